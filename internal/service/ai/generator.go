package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/config"
	"github.com/ntsagui/neocortex/internal/model/chat"
)

// DefaultTimeout bounds every completion request.
const DefaultTimeout = 30 * time.Second

// Generator produces assistant replies and lead reports through the
// external completion service.
type Generator struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	prompts *PromptBuilder
	timeout time.Duration
	logger  *zap.Logger
}

// NewChatModel builds the completion backend selected by cfg.
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (model.ChatModel, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("llm provider %q is missing credentials", cfg.Provider)
	}

	var temperature *float32
	if cfg.Temperature != nil {
		val := float32(*cfg.Temperature)
		temperature = &val
	}

	switch cfg.Provider {
	case config.ProviderArk:
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     cfg.ArkBaseURL,
			Region:      cfg.ArkRegion,
			APIKey:      cfg.APIKey,
			AccessKey:   cfg.ArkAccessKey,
			SecretKey:   cfg.ArkSecretKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: temperature,
		})
	default:
		return NewCompletionModel(CompletionConfig{
			Endpoint:    cfg.APIURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			HTTPClient:  &http.Client{},
			Temperature: temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	}
}

// NewGenerator compiles the prompt chain around chatModel.
func NewGenerator(ctx context.Context, chatModel model.ChatModel, cfg config.LLMConfig, logger *zap.Logger) (*Generator, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{instruction}"),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile completion chain: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Generator{
		chain:   runnable,
		prompts: NewPromptBuilder(cfg.Company),
		timeout: timeout,
		logger:  logger.Named("ai"),
	}, nil
}

// Generate asks for the next assistant reply. An empty instruction is
// replaced by the phase-aware sales instruction.
func (g *Generator) Generate(ctx context.Context, history []chat.Message, prospect chat.ProspectInfo, instruction string) (string, error) {
	if instruction == "" {
		instruction = g.prompts.Instruction(prospect, len(history))
	}
	return g.invoke(ctx, instruction, history)
}

// GenerateReport asks for the six-section qualification report. The text is
// returned as produced.
func (g *Generator) GenerateReport(ctx context.Context, history []chat.Message, prospect chat.ProspectInfo) (string, error) {
	return g.invoke(ctx, g.prompts.ReportInstruction(prospect, history), nil)
}

func (g *Generator) invoke(ctx context.Context, instruction string, history []chat.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	msg, err := g.chain.Invoke(ctx, map[string]any{
		"instruction": instruction,
		"history":     toSchemaMessages(history),
	})
	if err != nil {
		err = classifyError(ctx, err)
		g.logger.Warn("completion failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return "", err
	}
	if msg == nil {
		return "", fmt.Errorf("%w: empty completion", ErrUpstream)
	}

	g.logger.Debug("completion done",
		zap.Int("history_len", len(history)),
		zap.Int("reply_len", len(msg.Content)),
		zap.Duration("elapsed", time.Since(start)))
	return msg.Content, nil
}

// classifyError maps any chain failure onto ErrTimeout or ErrUpstream.
func classifyError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, ErrUpstream):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	}
}

func toSchemaMessages(history []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case chat.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		}
	}
	return out
}

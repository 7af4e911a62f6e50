package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting a neocortex process may need.
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	LLM    LLMConfig
	Broker BrokerConfig
	Log    LogConfig
}

// Load reads the configuration from environment variables. defaultPort is
// used when PORT is unset, so each binary keeps its historical port.
func Load(defaultPort string) (*Config, error) {
	server, err := loadServerConfig(defaultPort)
	if err != nil {
		return nil, err
	}

	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	broker, err := loadBrokerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Redis:  RedisConfig{URL: getEnvOrDefault("REDIS_URL", "redis://localhost:6379")},
		LLM:    llm,
		Broker: broker,
		Log:    logCfg,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig(defaultPort string) (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = defaultPort
	}

	if strings.Contains(port, ":") {
		// Accept ":8000" or "127.0.0.1:8000" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// RedisConfig points at the cache and stream server.
type RedisConfig struct {
	URL string
}

// Provider selects the completion backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderArk    Provider = "ark"
)

// LLMConfig describes the external completion service.
type LLMConfig struct {
	Provider    Provider
	APIURL      string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Company     string
	Temperature *float64
	MaxTokens   *int

	ArkAccessKey string
	ArkSecretKey string
	ArkBaseURL   string
	ArkRegion    string
}

// Enabled reports whether enough credentials were supplied to call the backend.
func (c LLMConfig) Enabled() bool {
	switch c.Provider {
	case ProviderArk:
		return c.Model != "" && (c.APIKey != "" || (c.ArkAccessKey != "" && c.ArkSecretKey != ""))
	default:
		return c.APIURL != "" && c.APIKey != ""
	}
}

func loadLLMConfig() (LLMConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("LLM_PROVIDER", string(ProviderOpenAI))))
	if provider != ProviderOpenAI && provider != ProviderArk {
		return LLMConfig{}, fmt.Errorf("invalid LLM_PROVIDER value %q", provider)
	}

	timeout := 30 * time.Second
	if seconds, err := parseOptionalIntEnv("LLM_TIMEOUT_SECONDS"); err != nil {
		return LLMConfig{}, err
	} else if seconds != nil && *seconds > 0 {
		timeout = time.Duration(*seconds) * time.Second
	}

	temperature, err := parseOptionalFloatEnv("LLM_TEMPERATURE")
	if err != nil {
		return LLMConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("LLM_MAX_TOKENS")
	if err != nil {
		return LLMConfig{}, err
	}

	return LLMConfig{
		Provider:     provider,
		APIURL:       getEnvOrDefault("LLM_API_URL", "https://ai.gateway.lovable.dev/v1/chat/completions"),
		APIKey:       strings.TrimSpace(os.Getenv("LLM_API_KEY")),
		Model:        getEnvOrDefault("LLM_MODEL", "google/gemini-2.5-flash"),
		Timeout:      timeout,
		Company:      getEnvOrDefault("AGENT_COMPANY", "NTSAGUI Digital"),
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		ArkAccessKey: strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		ArkSecretKey: strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		ArkBaseURL:   getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		ArkRegion:    getEnvOrDefault("ARK_REGION", "cn-beijing"),
	}, nil
}

// BrokerConfig tunes the stream consumers.
type BrokerConfig struct {
	ConsumerGroup   string
	ConsumerName    string
	Concurrency     int
	BatchSize       int64
	BlockTimeout    time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
	DropExpired     bool
}

func loadBrokerConfig() (BrokerConfig, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}

	concurrency := 8
	if v, err := parseOptionalIntEnv("NLP_CONCURRENCY"); err != nil {
		return BrokerConfig{}, err
	} else if v != nil {
		concurrency = max(*v, 1)
	}

	batch := int64(16)
	if v, err := parseOptionalIntEnv("NLP_BATCH_SIZE"); err != nil {
		return BrokerConfig{}, err
	} else if v != nil {
		batch = int64(max(*v, 1))
	}

	block, err := parseDurationEnv("NLP_BLOCK_TIMEOUT", 5*time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}
	handler, err := parseDurationEnv("NLP_HANDLER_TIMEOUT", 45*time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}
	shutdown, err := parseDurationEnv("NLP_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}

	dropExpired, err := parseBoolEnv("NLP_DROP_EXPIRED", false)
	if err != nil {
		return BrokerConfig{}, err
	}

	return BrokerConfig{
		ConsumerGroup:   getEnvOrDefault("NLP_CONSUMER_GROUP", "cortex-nlp-group"),
		ConsumerName:    getEnvOrDefault("NLP_CONSUMER_NAME", "cortex-nlp-"+hostname),
		Concurrency:     concurrency,
		BatchSize:       batch,
		BlockTimeout:    block,
		HandlerTimeout:  handler,
		ShutdownTimeout: shutdown,
		DropExpired:     dropExpired,
	}, nil
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string
	Development bool
}

func loadLogConfig() (LogConfig, error) {
	dev, err := parseBoolEnv("LOG_DEVELOPMENT", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:       getEnvOrDefault("LOG_LEVEL", "info"),
		Development: dev,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

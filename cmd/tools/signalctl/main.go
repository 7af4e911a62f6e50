package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/config"
	"github.com/ntsagui/neocortex/internal/logging"
)

var (
	redisURL string
	logger   = zap.NewNop()
)

// rootCmd is the signalctl entry point
var rootCmd = &cobra.Command{
	Use:   "signalctl",
	Short: "Inspect and drive the lead signal pipeline",
	Long: `signalctl talks to the Redis broker and conversation store used by the
gateway and the nlp service.

Available subcommands:
  send    - Publish a lead message as the gateway would
  tail    - Follow one or more signal channels
  session - Inspect stored conversations`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", "", "Redis URL (default REDIS_URL)")

	rootCmd.AddCommand(sendCmd, tailCmd, sessionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if redisURL == "" {
		redisURL = cfg.Redis.URL
	}

	// console encoding on stderr; stdout is reserved for command output
	cfg.Log.Development = true
	built, err := logging.New(cfg.Log, "signalctl")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger = built
	return nil
}

func connect() (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/config"
	"github.com/ntsagui/neocortex/internal/handler"
	"github.com/ntsagui/neocortex/internal/handler/stream"
	"github.com/ntsagui/neocortex/internal/logging"
	"github.com/ntsagui/neocortex/internal/server"
	"github.com/ntsagui/neocortex/internal/service/ingest"
)

const (
	defaultPort  = "8000"
	streamMaxLen = 100_000
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load(defaultPort)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log, handler.ServiceName)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
	logger.Info("gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable yet", zap.Error(err))
	}

	streams := broker.NewStreams(rdb, streamMaxLen)
	hub := stream.NewHub(logger)

	router := handler.NewRouter(handler.Deps{
		Ingest: ingest.NewService(streams, logger),
		Hub:    hub,
		Ping:   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		Logger: logger,
	})
	srv := server.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, srv, logger) })
	g.Go(func() error { return hub.Relay(gctx, streams) })

	return g.Wait()
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/config"
	"github.com/ntsagui/neocortex/internal/handler/health"
	"github.com/ntsagui/neocortex/internal/logging"
	signalModel "github.com/ntsagui/neocortex/internal/model/signal"
	"github.com/ntsagui/neocortex/internal/server"
	"github.com/ntsagui/neocortex/internal/service/ai"
	"github.com/ntsagui/neocortex/internal/service/conversation"
	"github.com/ntsagui/neocortex/internal/service/processor"
)

const (
	serviceName  = "cortex-nlp"
	defaultPort  = "8001"
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

	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("nlp service stopped", zap.Error(err))
	}
	logger.Info("nlp service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable yet, consumers will retry", zap.Error(err))
	}

	chatModel, err := ai.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("init chat model: %w", err)
	}
	generator, err := ai.NewGenerator(ctx, chatModel, cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}
	logger.Info("completion backend ready",
		zap.String("provider", string(cfg.LLM.Provider)),
		zap.String("model", cfg.LLM.Model))

	store := conversation.NewStore(rdb)
	streams := broker.NewStreams(rdb, streamMaxLen)

	proc := processor.New(store, generator, streams, logger, processor.Options{DropExpired: cfg.Broker.DropExpired})
	reports := processor.NewReportWorker(store, generator, streams, logger)

	inboundCfg := consumerConfig(cfg.Broker, signalModel.TopicInputChat, cfg.Broker.ConsumerGroup)
	inboundCfg.OnMalformed = proc.ReportMalformed
	qualifiedCfg := consumerConfig(cfg.Broker, signalModel.TopicQualification, cfg.Broker.ConsumerGroup+"-reports")
	qualifiedCfg.OnMalformed = proc.ReportMalformed

	inbound := broker.NewConsumer(rdb, inboundCfg, logger)
	qualified := broker.NewConsumer(rdb, qualifiedCfg, logger)

	router := chi.NewRouter()
	health.New(serviceName, store.Ping, nil).RegisterRoutes(router)
	srv := server.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inbound.Run(gctx, proc.Consume) })
	g.Go(func() error { return qualified.Run(gctx, reports.Consume) })
	g.Go(func() error { return server.Run(gctx, srv, logger) })

	logger.Info("nlp service started",
		zap.String("group", cfg.Broker.ConsumerGroup),
		zap.String("consumer", cfg.Broker.ConsumerName),
		zap.Int("concurrency", cfg.Broker.Concurrency))
	return g.Wait()
}

func consumerConfig(b config.BrokerConfig, topic, group string) broker.ConsumerConfig {
	return broker.ConsumerConfig{
		Topic:           topic,
		Group:           group,
		Name:            b.ConsumerName,
		Concurrency:     b.Concurrency,
		BatchSize:       b.BatchSize,
		Block:           b.BlockTimeout,
		HandlerTimeout:  b.HandlerTimeout,
		ShutdownTimeout: b.ShutdownTimeout,
	}
}

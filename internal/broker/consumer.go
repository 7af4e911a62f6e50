package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const retryDelay = time.Second

// Handler processes one delivered message. The entry is acknowledged once
// the handler returns, whatever the outcome.
type Handler func(ctx context.Context, msg Message)

// MalformedEntry describes a stream entry that could not be decoded. The
// identifiers are recovered from the raw record when possible.
type MalformedEntry struct {
	Topic         string
	EntryID       string
	Key           string
	SignalID      string
	CorrelationID string
	SessionID     string
	Err           error
}

// MalformedHandler is told about undecodable entries before they are acked.
type MalformedHandler func(ctx context.Context, entry MalformedEntry)

// ConsumerConfig tunes a consumer-group loop.
type ConsumerConfig struct {
	Topic           string
	Group           string
	Name            string
	Concurrency     int
	BatchSize       int64
	Block           time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration

	// OnMalformed is optional and best-effort.
	OnMalformed MalformedHandler
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 45 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Consumer reads one topic through a Redis consumer group. Delivery is
// at-least-once: entries left pending by a crash are replayed on restart.
type Consumer struct {
	rdb    redis.UniversalClient
	cfg    ConsumerConfig
	logger *zap.Logger
}

// NewConsumer builds a consumer; call Run to start it.
func NewConsumer(rdb redis.UniversalClient, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		rdb: rdb,
		cfg: cfg,
		logger: logger.Named("consumer").With(
			zap.String("topic", cfg.Topic),
			zap.String("group", cfg.Group),
			zap.String("consumer", cfg.Name),
		),
	}
}

// EnsureGroup creates the consumer group and its stream when missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Topic, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create consumer group %s: %w", ErrTransport, c.cfg.Group, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. It first replays this consumer's
// pending entries, then reads new ones. On cancellation it stops reading and
// waits up to ShutdownTimeout for in-flight handlers.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		err := c.EnsureGroup(ctx)
		if err == nil {
			break
		}
		c.logger.Warn("consumer group not ready, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}

	// In-flight work survives the cancellation of ctx; it is bounded by
	// HandlerTimeout instead.
	workCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)

	c.logger.Info("consumer started")
	cursor := "0"
	for ctx.Err() == nil {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{c.cfg.Topic, cursor},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.Block,
		}).Result()

		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			c.logger.Warn("read failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
			continue
		}

		delivered := 0
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				delivered++
				c.dispatch(workCtx, &g, stream.Stream, entry, handle)
			}
		}
		if cursor == "0" && delivered == 0 {
			c.logger.Debug("pending backlog drained")
			cursor = ">"
		}
		if cursor == "0" {
			// Pending replay must not re-read entries still being handled.
			_ = g.Wait()
		}
	}

	c.logger.Info("consumer stopping, draining in-flight handlers")
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("consumer stopped")
	case <-time.After(c.cfg.ShutdownTimeout):
		c.logger.Warn("shutdown timeout reached with handlers still running")
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, g *errgroup.Group, topic string, entry redis.XMessage, handle Handler) {
	msg, err := decodeEntry(topic, entry)
	if err != nil {
		c.logger.Warn("dropping malformed entry", zap.String("entry_id", entry.ID), zap.Error(err))
		c.reportMalformed(ctx, topic, entry, err)
		c.ack(ctx, entry.ID)
		return
	}

	g.Go(func() error {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
		defer c.ack(ctx, entry.ID)

		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panicked",
					zap.String("entry_id", entry.ID),
					zap.String("signal_id", msg.Signal.ID),
					zap.Any("panic", r))
			}
		}()

		handle(hctx, msg)
		return nil
	})
}

func (c *Consumer) reportMalformed(ctx context.Context, topic string, entry redis.XMessage, cause error) {
	if c.cfg.OnMalformed == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("malformed entry handler panicked", zap.String("entry_id", entry.ID), zap.Any("panic", r))
		}
	}()

	report := salvageEntry(topic, entry)
	report.Err = cause
	c.cfg.OnMalformed(ctx, report)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, c.cfg.Topic, c.cfg.Group, id).Err(); err != nil {
		c.logger.Warn("ack failed", zap.String("entry_id", id), zap.Error(err))
	}
}

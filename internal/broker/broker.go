package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ntsagui/neocortex/internal/model/signal"
)

var (
	ErrTransport = errors.New("broker unavailable")
)

const (
	fieldKey    = "key"
	fieldSignal = "signal"

	tailBlock = 2 * time.Second
)

// Publisher emits signals onto named channels.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, sig signal.Signal) error
}

// Message is one delivered stream entry.
type Message struct {
	Topic  string
	ID     string
	Key    string
	Signal signal.Signal
}

// Streams is a Redis Streams backed broker. Each topic is a stream; the
// routing key travels next to the encoded signal.
type Streams struct {
	rdb    redis.UniversalClient
	maxLen int64
}

// NewStreams wraps a Redis client. maxLen > 0 caps every stream approximately.
func NewStreams(rdb redis.UniversalClient, maxLen int64) *Streams {
	return &Streams{rdb: rdb, maxLen: maxLen}
}

// Publish appends sig to topic under the routing key.
func (s *Streams) Publish(ctx context.Context, topic, key string, sig signal.Signal) error {
	data, err := sig.Encode()
	if err != nil {
		return fmt.Errorf("encode signal %s: %w", sig.ID, err)
	}
	if key == "" {
		key = sig.CorrelationID
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			fieldKey:    key,
			fieldSignal: string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", ErrTransport, topic, err)
	}
	return nil
}

// Tail delivers entries appended to topic after the call, until ctx ends.
// It does not use a consumer group, so every tailer sees every entry.
func (s *Streams) Tail(ctx context.Context, topic string, fn func(Message)) error {
	lastID := "$"
	for {
		streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{topic, lastID},
			Count:   64,
			Block:   tailBlock,
		}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: tail %s: %w", ErrTransport, topic, err)
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				msg, err := decodeEntry(stream.Stream, entry)
				if err != nil {
					continue
				}
				fn(msg)
			}
		}
	}
}

func decodeEntry(topic string, entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values[fieldSignal].(string)
	if !ok {
		return Message{}, fmt.Errorf("entry %s has no %q field", entry.ID, fieldSignal)
	}
	sig, err := signal.DecodeWithFallbackID([]byte(raw), entry.ID)
	if err != nil {
		return Message{}, fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	key, _ := entry.Values[fieldKey].(string)
	return Message{Topic: topic, ID: entry.ID, Key: key, Signal: sig}, nil
}

// salvageEntry pulls whatever identifiers it can out of an undecodable entry.
func salvageEntry(topic string, entry redis.XMessage) MalformedEntry {
	out := MalformedEntry{Topic: topic, EntryID: entry.ID}
	out.Key, _ = entry.Values[fieldKey].(string)

	raw, _ := entry.Values[fieldSignal].(string)
	var partial struct {
		ID            string `json:"id"`
		CorrelationID string `json:"correlation_id"`
		Payload       struct {
			SessionID string `json:"session_id"`
		} `json:"payload"`
	}
	if raw != "" && json.Unmarshal([]byte(raw), &partial) == nil {
		out.SignalID = partial.ID
		out.CorrelationID = partial.CorrelationID
		out.SessionID = partial.Payload.SessionID
	}
	if out.SignalID == "" {
		out.SignalID = entry.ID
	}
	return out
}

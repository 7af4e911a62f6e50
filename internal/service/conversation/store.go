package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ntsagui/neocortex/internal/model/chat"
)

const (
	// DefaultTTL is the sliding inactivity window of a session.
	DefaultTTL = time.Hour

	historyPrefix  = "conversation:"
	prospectPrefix = "prospect:"

	defaultAppendRetries = 32
)

var (
	ErrTransport   = errors.New("conversation store unavailable")
	ErrInvalidRole = errors.New("invalid message role")
	ErrConflict    = errors.New("concurrent append did not settle")
)

// Store owns per-session conversation state in Redis. Every write refreshes
// the session TTL; expiry is left to Redis.
type Store struct {
	rdb           redis.UniversalClient
	ttl           time.Duration
	appendRetries int
}

// Option customises a Store.
type Option func(*Store)

// WithTTL overrides the sliding session window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithAppendRetries bounds the optimistic retries of AppendMessage.
func WithAppendRetries(n int) Option {
	return func(s *Store) { s.appendRetries = max(n, 1) }
}

// NewStore wraps a Redis client.
func NewStore(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, ttl: DefaultTTL, appendRetries: defaultAppendRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func historyKey(sessionID string) string  { return historyPrefix + sessionID }
func prospectKey(sessionID string) string { return prospectPrefix + sessionID }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// GetHistory returns the session history, or an empty slice when the session
// is unknown or expired.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]chat.Message, error) {
	return s.readHistory(ctx, s.rdb, historyKey(sessionID))
}

func (s *Store) readHistory(ctx context.Context, g getter, key string) ([]chat.Message, error) {
	data, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %w", ErrTransport, err)
	}

	history := []chat.Message{}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", key, err)
	}
	return history, nil
}

// AppendMessage adds one turn to the history and refreshes the TTL.
//
// The read-append-write runs under WATCH, so an append racing with another
// one for the same session is retried instead of silently overwritten.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role chat.Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	key := historyKey(sessionID)

	// local holds failures raised by our own code inside the transaction,
	// which must not be mistaken for transport errors.
	var local error
	txf := func(tx *redis.Tx) error {
		history, err := s.readHistory(ctx, tx, key)
		if err != nil {
			local = err
			return err
		}
		history = append(history, chat.Message{Role: role, Content: content})

		data, err := json.Marshal(history)
		if err != nil {
			local = fmt.Errorf("encode history: %w", err)
			return local
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.appendRetries; attempt++ {
		local = nil
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case local != nil:
			return local
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("%w: append message: %w", ErrTransport, err)
		}
	}
	return fmt.Errorf("%w: %w: session %s after %d attempts", ErrTransport, ErrConflict, sessionID, s.appendRetries)
}

// GetProspectInfo returns the latest prospect info. ok is false when none is stored.
func (s *Store) GetProspectInfo(ctx context.Context, sessionID string) (info chat.ProspectInfo, ok bool, err error) {
	data, err := s.rdb.Get(ctx, prospectKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.ProspectInfo{}, false, nil
	}
	if err != nil {
		return chat.ProspectInfo{}, false, fmt.Errorf("%w: load prospect: %w", ErrTransport, err)
	}

	if err := json.Unmarshal(data, &info); err != nil {
		return chat.ProspectInfo{}, false, fmt.Errorf("decode prospect %s: %w", sessionID, err)
	}
	return info, true, nil
}

// SetProspectInfo replaces the prospect info and refreshes its TTL.
func (s *Store) SetProspectInfo(ctx context.Context, sessionID string, info chat.ProspectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode prospect: %w", err)
	}
	if err := s.rdb.Set(ctx, prospectKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save prospect: %w", ErrTransport, err)
	}
	return nil
}

// CountActive approximates the number of sessions with live history. It
// scans the keyspace and is meant for observability only.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	count := 0
	iter := s.rdb.Scan(ctx, 0, historyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("%w: scan sessions: %w", ErrTransport, err)
	}
	return count, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

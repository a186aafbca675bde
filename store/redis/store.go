// Package redis implements usage.Store against Redis, so a session's token
// and cost accounting survives a process restart.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentforge/engine/usage"
)

const defaultKeyPrefix = "agentforge:usage:"

// Options configures a Store.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces session keys. Defaults to "agentforge:usage:".
	KeyPrefix string
	// TTL expires a session's usage record after this long with no Save.
	// Zero means no expiration.
	TTL time.Duration
}

// Store persists usage.SessionUsage as JSON under one Redis key per session.
type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

// Save writes usage for sessionID, overwriting any prior value.
func (s *Store) Save(ctx context.Context, sessionID string, u usage.SessionUsage) error {
	if sessionID == "" {
		return errors.New("redis: session id is required")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("redis: marshal usage: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save usage: %w", err)
	}
	return nil
}

// Load reads usage for sessionID. The second return reports whether a
// record existed; false with a nil error means no prior usage was recorded.
func (s *Store) Load(ctx context.Context, sessionID string) (usage.SessionUsage, bool, error) {
	if sessionID == "" {
		return usage.SessionUsage{}, false, errors.New("redis: session id is required")
	}
	raw, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return usage.SessionUsage{}, false, nil
	}
	if err != nil {
		return usage.SessionUsage{}, false, fmt.Errorf("redis: load usage: %w", err)
	}
	var u usage.SessionUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return usage.SessionUsage{}, false, fmt.Errorf("redis: decode usage: %w", err)
	}
	return u, true, nil
}

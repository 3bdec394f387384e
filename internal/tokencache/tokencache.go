package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultKey is the key credentials are cached under.
	DefaultKey = "stsAuthToken"

	// DefaultLifetime is how long a fetched token is trusted. It is kept
	// below the 3600 s STS session so a cached token never outlives it.
	DefaultLifetime = 3500 * time.Second
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Entry is one cached token.
type Entry struct {
	Token          json.RawMessage `json:"token"`
	ExpirationTime int64           `json:"expirationTime"` // epoch milliseconds
}

// NewEntry marshals token and stamps it to expire lifetime after now.
func NewEntry(token any, now time.Time, lifetime time.Duration) (Entry, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal token: %w", err)
	}
	return Entry{
		Token:          data,
		ExpirationTime: now.Add(lifetime).UnixMilli(),
	}, nil
}

// Valid reports whether the entry may still be used at now.
func (e Entry) Valid(now time.Time) bool {
	return now.UnixMilli() < e.ExpirationTime
}

// ExpiresAt returns the expiration as a time.
func (e Entry) ExpiresAt() time.Time {
	return time.UnixMilli(e.ExpirationTime)
}

// Decode unmarshals the token into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Token, v); err != nil {
		return fmt.Errorf("unmarshal token: %w", err)
	}
	return nil
}

// Store is a key-value store for cached tokens. Stores do not check
// validity; callers use Entry.Valid.
type Store interface {
	// Get returns the entry for key. ok is false when nothing is stored.
	Get(ctx context.Context, key string) (e Entry, ok bool, err error)

	// Set stores e under key. Backends with native expiry drop it at
	// e.ExpirationTime.
	Set(ctx context.Context, key string, e Entry) error

	// Clear removes key. Clearing a missing key is not an error.
	Clear(ctx context.Context, key string) error

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	Path    string // file backend
	Redis   RedisConfig
}

// New creates the store named by cfg.Backend. An empty backend selects memory.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown token cache backend %q", cfg.Backend)
	}
}

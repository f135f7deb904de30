package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-http-bridge/sessions"
)

const (
	defaultAddr   = "localhost:6379"
	defaultPrefix = "mcp-bridge:"
	scanCount     = 100
)

// Config for Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: BRIDGE_REDIS_ADDR
	RedisAddr string `env:"BRIDGE_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: BRIDGE_REDIS_PREFIX
	KeyPrefix string `env:"BRIDGE_REDIS_PREFIX,default=mcp-bridge:"`
	// ConnectAttempts bounds how often the initial ping is tried.
	ConnectAttempts uint `env:"BRIDGE_REDIS_CONNECT_ATTEMPTS,default=5"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	log       *slog.Logger
}

var _ sessions.SessionHost = (*Host)(nil)

// New connects to Redis and verifies the connection, retrying the initial
// ping with backoff.
func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = defaultAddr
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}

	cl := redis.NewClient(&redis.Options{Addr: addr, DisableIdentity: true})
	log := slog.Default().With(slog.String("component", "redishost"))

	err := retry.Do(
		func() error { return cl.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WarnContext(ctx, "redis.ping.retry", slog.Uint64("attempt", uint64(n+1)), slog.String("err", err.Error()))
		}),
	)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Host{client: cl, keyPrefix: prefix, log: log}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) sessionKey(sessionID string) string { return h.keyPrefix + "session:" + sessionID }

func (h *Host) Announce(ctx context.Context, rec sessions.Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	if err := h.client.Set(ctx, h.sessionKey(rec.SessionID), b, ttl).Err(); err != nil {
		return fmt.Errorf("announce session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (h *Host) Withdraw(ctx context.Context, sessionID string) error {
	if err := h.client.Del(ctx, h.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("withdraw session %s: %w", sessionID, err)
	}
	return nil
}

// List scans every record under the prefix. Keys that expire between the
// scan and the fetch are skipped.
func (h *Host) List(ctx context.Context) ([]sessions.Record, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := h.sessionKey("*")
	for {
		batch, next, err := h.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []sessions.Record{}, nil
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	vals, err := h.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}

	out := make([]sessions.Record, 0, len(vals))
	for i, v := range vals {
		var payload []byte
		switch t := v.(type) {
		case nil:
			continue
		case string:
			payload = []byte(t)
		case []byte:
			payload = t
		default:
			continue
		}
		var rec sessions.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			h.log.WarnContext(ctx, "redis.record.invalid", slog.String("key", keys[i]), slog.String("err", err.Error()))
			continue
		}
		out = append(out, rec)
	}

	slices.SortFunc(out, func(a, b sessions.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out, nil
}

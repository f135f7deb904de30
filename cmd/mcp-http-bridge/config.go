package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/ggoodman/mcp-http-bridge/sessions"
)

// Config is the bridge configuration. Environment variables supply the
// defaults; command-line flags override them.
type Config struct {
	Addr           string        `env:"BRIDGE_ADDR,default=127.0.0.1:3020"`
	PeerCommand    string        `env:"BRIDGE_PEER_COMMAND,default=npx"`
	PeerArgs       []string      `env:"BRIDGE_PEER_ARGS,default=-y;@modelcontextprotocol/server-filesystem;."`
	PeerDir        string        `env:"BRIDGE_PEER_DIR"`
	CallTimeout    time.Duration `env:"BRIDGE_CALL_TIMEOUT,default=10s"`
	EnrichTimeout  time.Duration `env:"BRIDGE_ENRICH_TIMEOUT,default=2s"`
	SessionPolicy  string        `env:"BRIDGE_SESSION_POLICY,default=initialize"`
	StrictSessions bool          `env:"BRIDGE_STRICT_SESSIONS,default=false"`
	AllowedOrigins []string      `env:"BRIDGE_ALLOWED_ORIGINS,default=https://claude.ai;http://localhost:3000"`
	LogLevel       string        `env:"BRIDGE_LOG_LEVEL,default=info"`
	LogFormat      string        `env:"BRIDGE_LOG_FORMAT,default=text"`
	ShutdownGrace  time.Duration `env:"BRIDGE_SHUTDOWN_GRACE,default=5s"`
	RedisAddr      string        `env:"BRIDGE_REDIS_ADDR"`
	RedisPrefix    string        `env:"BRIDGE_REDIS_PREFIX,default=mcp-bridge:"`
}

// loadConfig reads Config from the environment.
func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("listen address is required")
	}
	if strings.TrimSpace(c.PeerCommand) == "" {
		return errors.New("peer command is required")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	}
	if c.EnrichTimeout <= 0 {
		return fmt.Errorf("enrich timeout must be positive, got %s", c.EnrichTimeout)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must not be negative, got %s", c.ShutdownGrace)
	}
	if _, err := sessions.ParsePolicy(c.SessionPolicy); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// newLogger builds the process logger. Config must be valid.
func (c Config) newLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return logctx.NewLogger(h)
}

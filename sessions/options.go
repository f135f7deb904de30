package sessions

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ggoodman/mcp-http-bridge/internal/metrics"
	"github.com/ggoodman/mcp-http-bridge/internal/pending"
)

// Policy selects when the registry spawns a new peer.
type Policy string

const (
	// PolicyInitialize spawns a fresh peer for every initialize request and
	// never creates sessions implicitly.
	PolicyInitialize Policy = "initialize"
	// PolicyLazy spawns a peer on the first call that finds no session.
	PolicyLazy Policy = "lazy"
)

// ParsePolicy validates a policy name. The empty string selects
// PolicyInitialize.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyInitialize:
		return PolicyInitialize, nil
	case PolicyLazy:
		return PolicyLazy, nil
	default:
		return "", fmt.Errorf("unknown session policy %q", s)
	}
}

// DefaultHeartbeatTTL is how long a session record lives in a SessionHost
// without being re-announced.
const DefaultHeartbeatTTL = 30 * time.Second

// Option configures a Registry.
type Option func(*registryConfig)

type registryConfig struct {
	log          *slog.Logger
	metrics      *metrics.Metrics
	callTimeout  time.Duration
	enricher     ReplyEnricher
	policy       Policy
	strict       bool
	host         SessionHost
	instance     string
	heartbeatTTL time.Duration
}

func defaultRegistryConfig() registryConfig {
	instance, _ := os.Hostname()
	if instance == "" {
		instance = "bridge"
	}
	return registryConfig{
		log:          slog.New(slog.DiscardHandler),
		callTimeout:  pending.DefaultTimeout,
		policy:       PolicyInitialize,
		instance:     instance,
		heartbeatTTL: DefaultHeartbeatTTL,
	}
}

// WithLogger sets the logger used by the registry and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(c *registryConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records session and reply metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *registryConfig) { c.metrics = m }
}

// WithCallTimeout sets the default per-call reply timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *registryConfig) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithReplyEnricher installs a hook that may augment replies before they are
// released.
func WithReplyEnricher(e ReplyEnricher) Option {
	return func(c *registryConfig) { c.enricher = e }
}

// WithPolicy selects the session creation policy.
func WithPolicy(p Policy) Option {
	return func(c *registryConfig) {
		if p != "" {
			c.policy = p
		}
	}
}

// WithStrictSessions disables the fallback to the most recently created
// session when a call names an unknown session or none at all.
func WithStrictSessions(strict bool) Option {
	return func(c *registryConfig) { c.strict = strict }
}

// WithSessionHost advertises live sessions in host under the given instance
// name. A non-positive ttl selects DefaultHeartbeatTTL.
func WithSessionHost(host SessionHost, instance string, ttl time.Duration) Option {
	return func(c *registryConfig) {
		c.host = host
		if instance != "" {
			c.instance = instance
		}
		if ttl > 0 {
			c.heartbeatTTL = ttl
		}
	}
}

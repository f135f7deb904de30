// Package enrich augments capability announcements with the peer's tool
// listing before they reach the client.
//
// When a reply's result carries a capabilities object without a populated
// tool listing, the Orchestrator asks the same peer for tools/list and merges
// the answer into capabilities.tools as a map keyed by tool name. The
// secondary exchange has its own short budget; if it fails or times out the
// original reply is released untouched.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/internal/metrics"
	"github.com/ggoodman/mcp-http-bridge/internal/pending"
	"github.com/ggoodman/mcp-http-bridge/sessions"
)

// DefaultTimeout bounds the secondary tools/list exchange.
const DefaultTimeout = 2 * time.Second

const (
	listMethod = "tools/list"
	idPrefix   = "tools-"
)

// Orchestrator implements sessions.ReplyEnricher.
type Orchestrator struct {
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

var _ sessions.ReplyEnricher = (*Orchestrator)(nil)

type Option func(*Orchestrator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{timeout: DefaultTimeout, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Matches reports whether reply is a successful capability announcement that
// lacks a populated tool listing.
func (o *Orchestrator) Matches(reply *jsonrpc.AnyMessage) bool {
	if reply == nil || reply.Error != nil || len(reply.Result) == 0 {
		return false
	}
	var result struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return false
	}
	caps, ok := asObject(result.Capabilities)
	if !ok {
		return false
	}
	tools, present := caps["tools"]
	return !present || !populated(tools)
}

// Enrich fetches the tool listing through c and merges it into reply. It
// never fails: any problem yields reply unchanged.
func (o *Orchestrator) Enrich(ctx context.Context, c sessions.Caller, reply *jsonrpc.AnyMessage) *jsonrpc.AnyMessage {
	start := time.Now()
	req := &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         listMethod,
		ID:             jsonrpc.NewRequestID(idPrefix + uuid.NewString()),
	}
	log := o.log.With(slog.String("reply_id", reply.ID.String()), slog.String("list_id", req.ID.String()))

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	listing, err := c.Call(ctx, req, o.timeout)
	if err != nil {
		outcome := metrics.EnrichmentFailed
		if errors.Is(err, pending.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.EnrichmentTimeout
		}
		o.metrics.Enrichment(outcome)
		log.WarnContext(ctx, "enrich."+outcome, slog.String("err", err.Error()), slog.Duration("elapsed", time.Since(start)))
		return reply
	}
	if listing.Error != nil {
		o.metrics.Enrichment(metrics.EnrichmentFailed)
		log.WarnContext(ctx, "enrich.failed", slog.Int("code", int(listing.Error.Code)), slog.String("message", listing.Error.Message))
		return reply
	}

	tools, err := toolMap(listing.Result)
	if err != nil {
		o.metrics.Enrichment(metrics.EnrichmentFailed)
		log.WarnContext(ctx, "enrich.failed", slog.String("err", err.Error()))
		return reply
	}
	if len(tools) == 0 {
		o.metrics.Enrichment(metrics.EnrichmentEmpty)
		log.DebugContext(ctx, "enrich.empty")
		return reply
	}

	out, err := merge(reply, tools)
	if err != nil {
		o.metrics.Enrichment(metrics.EnrichmentFailed)
		log.WarnContext(ctx, "enrich.failed", slog.String("err", err.Error()))
		return reply
	}
	o.metrics.Enrichment(metrics.EnrichmentApplied)
	log.DebugContext(ctx, "enrich.applied", slog.Int("tools", len(tools)), slog.Duration("elapsed", time.Since(start)))
	return out
}

// toolMap turns {"tools":[{"name":n, ...rest}]} into {n: rest}. Entries
// without a string name are dropped.
func toolMap(result json.RawMessage) (map[string]json.RawMessage, error) {
	var listing struct {
		Tools []map[string]json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return nil, fmt.Errorf("decode tool listing: %w", err)
	}

	out := make(map[string]json.RawMessage, len(listing.Tools))
	for _, tool := range listing.Tools {
		var name string
		if err := json.Unmarshal(tool["name"], &name); err != nil || name == "" {
			continue
		}
		delete(tool, "name")
		meta, err := json.Marshal(tool)
		if err != nil {
			return nil, fmt.Errorf("encode tool %q: %w", name, err)
		}
		out[name] = meta
	}
	return out, nil
}

// merge rebuilds reply with result.capabilities.tools replaced, leaving
// every other member as it was.
func merge(reply *jsonrpc.AnyMessage, tools map[string]json.RawMessage) (*jsonrpc.AnyMessage, error) {
	var result map[string]json.RawMessage
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	caps, ok := asObject(result["capabilities"])
	if !ok {
		return nil, errors.New("capabilities is not an object")
	}

	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	caps["tools"] = toolsJSON
	if result["capabilities"], err = json.Marshal(caps); err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	merged, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return reply.WithResult(merged)
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// populated reports whether a tools member already lists tools by name, as
// opposed to flags like {"listChanged":true} or null.
func populated(raw json.RawMessage) bool {
	obj, ok := asObject(raw)
	if !ok {
		return false
	}
	for _, v := range obj {
		if _, isObj := asObject(v); isObj {
			return true
		}
	}
	return false
}

// Package bridge turns a single JSON-RPC call received over HTTP into an
// exchange with a session's peer process.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/ggoodman/mcp-http-bridge/internal/metrics"
	"github.com/ggoodman/mcp-http-bridge/sessions"
)

const (
	methodInitialize   = "initialize"
	notificationPrefix = "notifications/"
)

// Ack is the body returned for notifications, which never wait on the peer.
type Ack struct {
	JSONRPCVersion string `json:"jsonrpc"`
}

// Response is the outcome of one bridged call. Body is ready to be JSON
// encoded and SessionID names the session that served the call, if any.
type Response struct {
	Status    int
	SessionID string
	Body      any
}

// Endpoint dispatches calls onto sessions held by a Registry.
type Endpoint struct {
	reg         *sessions.Registry
	callTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Endpoint)

func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Endpoint) { e.metrics = m }
}

// WithCallTimeout bounds how long a call waits for its reply. A non-positive
// value defers to the session default.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.callTimeout = d }
}

// WithClock replaces the time source used for health timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Endpoint) {
		if now != nil {
			e.now = now
		}
	}
}

func New(reg *sessions.Registry, opts ...Option) *Endpoint {
	e := &Endpoint{
		reg: reg,
		log: slog.New(slog.DiscardHandler),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsNotification reports whether msg is fire-and-forget: either a method in
// the notifications/ namespace or any message without an id.
func IsNotification(msg *jsonrpc.AnyMessage) bool {
	return strings.HasPrefix(msg.Method, notificationPrefix) || !msg.HasID()
}

// Handle forwards body to the session selected by sessionHeader and returns
// the peer's reply, an acknowledgement for notifications, or a JSON-RPC error
// describing why no reply could be obtained. It never returns nil.
func (e *Endpoint) Handle(ctx context.Context, body []byte, sessionHeader string) *Response {
	start := time.Now()

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		code, text := jsonrpc.ErrorCodeParseError, "Parse error"
		if errors.Is(err, jsonrpc.ErrNotObject) {
			code, text = jsonrpc.ErrorCodeInvalidRequest, "Invalid Request"
		}
		e.log.WarnContext(ctx, "bridge.decode.fail", slog.String("err", err.Error()))
		e.metrics.ObserveCall("invalid", OutcomeBadRequest, time.Since(start))
		return &Response{Status: http.StatusBadRequest, Body: jsonrpc.NewErrorResponse(nil, code, text, nil)}
	}
	if msg.Method == "" {
		e.metrics.ObserveCall("invalid", OutcomeBadRequest, time.Since(start))
		return &Response{
			Status: http.StatusBadRequest,
			Body:   jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", "method is required"),
		}
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	kind := "request"
	if IsNotification(&msg) {
		kind = "notification"
	}

	s, err := e.session(ctx, &msg, sessionHeader)
	if err != nil {
		return e.fail(ctx, kind, &msg, "", err, start)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID(), PID: s.PID()})

	if kind == "notification" {
		if err := s.Notify(ctx, &msg); err != nil {
			return e.fail(ctx, kind, &msg, s.ID(), err, start)
		}
		e.log.DebugContext(ctx, "bridge.notify")
		e.metrics.ObserveCall(kind, OutcomeAck, time.Since(start))
		return &Response{Status: http.StatusOK, SessionID: s.ID(), Body: Ack{JSONRPCVersion: jsonrpc.ProtocolVersion}}
	}

	// The peer's reply is awaited independently of the HTTP request so that a
	// client disconnect never leaves a call unresolved.
	reply, err := s.Call(context.WithoutCancel(ctx), &msg, e.callTimeout)
	if err != nil {
		return e.fail(ctx, kind, &msg, s.ID(), err, start)
	}

	outcome := OutcomeOK
	if reply.Error != nil {
		outcome = OutcomePeerError
	}
	e.metrics.ObserveCall(kind, outcome, time.Since(start))
	e.log.DebugContext(ctx, "bridge.reply", slog.String("outcome", outcome), slog.Duration("elapsed", time.Since(start)))
	return &Response{Status: http.StatusOK, SessionID: s.ID(), Body: reply}
}

// session picks the session for msg. Under PolicyInitialize every initialize
// call gets a fresh peer.
func (e *Endpoint) session(ctx context.Context, msg *jsonrpc.AnyMessage, header string) (*sessions.Session, error) {
	if msg.Method == methodInitialize && e.reg.Policy() == sessions.PolicyInitialize {
		return e.reg.Create(ctx)
	}
	return e.reg.GetOrCreate(ctx, header)
}

func (e *Endpoint) fail(ctx context.Context, kind string, msg *jsonrpc.AnyMessage, sessionID string, err error, start time.Time) *Response {
	f := classify(err)
	e.metrics.ObserveCall(kind, f.outcome, time.Since(start))

	level := slog.LevelWarn
	if f.status >= http.StatusInternalServerError && f.outcome != OutcomeTimeout {
		level = slog.LevelError
	}
	e.log.Log(ctx, level, "bridge.call.fail", slog.String("outcome", f.outcome), slog.String("err", err.Error()))

	var id *jsonrpc.RequestID
	if msg.HasID() {
		id = msg.ID
	}
	return &Response{
		Status:    f.status,
		SessionID: sessionID,
		Body:      jsonrpc.NewErrorResponse(id, f.code, f.message, nil),
	}
}

// Health is the read-only status snapshot served on the health endpoint.
type Health struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"activeSessions"`
	// ClusterSessions counts sessions across every replica sharing the
	// session host. It is omitted when the host cannot be reached.
	ClusterSessions *int      `json:"clusterSessions,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Health reports the number of live sessions.
func (e *Endpoint) Health(ctx context.Context) Health {
	h := Health{
		Status:         "ok",
		ActiveSessions: e.reg.Len(),
		Timestamp:      e.now().UTC(),
	}
	recs, err := e.reg.Cluster(ctx)
	if err != nil {
		e.log.WarnContext(ctx, "health.cluster.fail", slog.String("err", err.Error()))
		return h
	}
	n := len(recs)
	h.ClusterSessions = &n
	return h
}

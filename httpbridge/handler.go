package httpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/mcp-http-bridge/bridge"
	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/ggoodman/mcp-http-bridge/sessions"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	sessionIDHeader    = "X-Session-Id"
	mcpSessionIDHeader = "Mcp-Session-Id"

	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, Accept, Origin, X-Session-Id, Mcp-Session-Id"
	corsExposeHeaders = "X-Session-Id, Mcp-Session-Id"
	corsMaxAge        = "600"

	// deleteGrace bounds how long DELETE waits for a peer before killing it.
	deleteGrace = 5 * time.Second

	// DefaultMaxBodyBytes caps the size of a POSTed call.
	DefaultMaxBodyBytes = 4 << 20
)

// DefaultAllowedOrigins are the browser origins allowed to call the bridge
// when none are configured.
var DefaultAllowedOrigins = []string{"https://claude.ai", "http://localhost:3000"}

// writeJSONError emits a minimal transport-level JSON body for rejections that
// happen before a JSON-RPC call could be read.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAllowedOrigins replaces DefaultAllowedOrigins. A "*" entry allows any
// origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) { h.origins = slices.Clone(origins) }
}

// WithMetricsGatherer serves gatherer on GET /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler is the HTTP surface of the bridge.
type Handler struct {
	endpoint *bridge.Endpoint
	registry *sessions.Registry
	log      *slog.Logger
	origins  []string
	gatherer prometheus.Gatherer
	maxBody  int64
	mux      *http.ServeMux
}

// New builds a Handler serving endpoint. The registry backs session deletion.
func New(endpoint *bridge.Endpoint, registry *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		endpoint: endpoint,
		registry: registry,
		log:      slog.New(slog.DiscardHandler),
		origins:  slices.Clone(DefaultAllowedOrigins),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.handlePostMCP)
	mux.HandleFunc("DELETE /mcp", h.handleDeleteMCP)
	mux.HandleFunc("GET /health", h.handleGetHealth)
	mux.HandleFunc("OPTIONS /", h.handleOptions)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// applyCORS reflects an allowed Origin back to the browser. Requests from
// other origins are still served; the browser withholds the response.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	w.Header().Add("Vary", "Origin")
	if !h.originAllowed(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	if h.originAllowed(r.Header.Get("Origin")) {
		w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	}
	w.WriteHeader(http.StatusNoContent)
}

func sessionHeader(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(sessionIDHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(mcpSessionIDHeader))
}

// handlePostMCP forwards one JSON-RPC call and writes the reply.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	resp := h.endpoint.Handle(ctx, body, sessionHeader(r))
	if resp.SessionID != "" {
		w.Header().Set(sessionIDHeader, resp.SessionID)
		w.Header().Set(mcpSessionIDHeader, resp.SessionID)
	}
	if err := writeJSON(w, resp.Status, resp.Body); err != nil {
		h.log.WarnContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Int("status", resp.Status), slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates the session named by the session header.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	id := sessionHeader(r)
	if id == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeJSONError(w, http.StatusBadRequest, "missing session id header")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	if _, ok := h.registry.Lookup(id); !ok {
		h.log.InfoContext(ctx, "session.delete.miss")
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	rmCtx, cancel := context.WithTimeout(ctx, deleteGrace)
	defer cancel()
	if err := h.registry.Remove(rmCtx, id); err != nil {
		// The session is gone either way; a kill is only worth a warning.
		h.log.WarnContext(ctx, "session.delete.unclean", slog.String("err", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, h.endpoint.Health(r.Context())); err != nil {
		h.log.WarnContext(r.Context(), "http.health.write.fail", slog.String("err", err.Error()))
	}
}

package bridge

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/internal/pending"
	"github.com/ggoodman/mcp-http-bridge/sessions"
)

// Call outcomes, used as metric labels and log attributes.
const (
	OutcomeOK           = "ok"
	OutcomePeerError    = "peer_error"
	OutcomeAck          = "ack"
	OutcomeTimeout      = "timeout"
	OutcomeNotFound     = "not_found"
	OutcomeSpawnFailed  = "spawn_failed"
	OutcomeSessionGone  = "session_closed"
	OutcomeBadRequest   = "bad_request"
	OutcomeUnavailable  = "unavailable"
	OutcomeInternalFail = "internal_error"
)

type failure struct {
	code    jsonrpc.ErrorCode
	message string
	status  int
	outcome string
}

// classify maps a bridge-side failure onto the JSON-RPC error and HTTP status
// reported to the caller.
func classify(err error) failure {
	switch {
	case errors.Is(err, pending.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return failure{jsonrpc.ErrorCodeRequestTimeout, "Request timed out", http.StatusGatewayTimeout, OutcomeTimeout}
	case errors.Is(err, sessions.ErrSessionNotFound):
		return failure{jsonrpc.ErrorCodeSessionNotFound, "Session not found", http.StatusNotFound, OutcomeNotFound}
	case errors.Is(err, sessions.ErrSpawnFailed):
		return failure{jsonrpc.ErrorCodeInternalError, "Peer process failed to start", http.StatusInternalServerError, OutcomeSpawnFailed}
	case errors.Is(err, sessions.ErrSessionClosed):
		return failure{jsonrpc.ErrorCodeSessionClosed, "Session closed", http.StatusBadGateway, OutcomeSessionGone}
	case errors.Is(err, sessions.ErrRegistryClosed):
		return failure{jsonrpc.ErrorCodeInternalError, "Bridge is shutting down", http.StatusServiceUnavailable, OutcomeUnavailable}
	case errors.Is(err, pending.ErrDuplicateID):
		return failure{jsonrpc.ErrorCodeInvalidRequest, "Request id already in flight", http.StatusConflict, OutcomeBadRequest}
	default:
		return failure{jsonrpc.ErrorCodeInternalError, "Internal server error", http.StatusInternalServerError, OutcomeInternalFail}
	}
}

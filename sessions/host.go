package sessions

import (
	"context"
	"time"
)

// Record advertises one live session in a SessionHost.
type Record struct {
	SessionID string    `json:"sessionId"`
	Instance  string    `json:"instance"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionHost is a directory of live sessions shared between bridge replicas.
// Sessions themselves never leave the process that spawned their peer; the
// host only makes them visible for introspection. Records expire unless they
// are re-announced within their TTL, so a crashed replica's sessions
// disappear on their own.
type SessionHost interface {
	// Announce creates or refreshes rec for ttl.
	Announce(ctx context.Context, rec Record, ttl time.Duration) error
	// Withdraw removes the record for sessionID. Withdrawing an unknown
	// session is not an error.
	Withdraw(ctx context.Context, sessionID string) error
	// List returns every unexpired record.
	List(ctx context.Context) ([]Record, error)
}

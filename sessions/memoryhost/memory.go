package memoryhost

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-http-bridge/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	now func() time.Time

	mu      sync.RWMutex
	records map[string]entry
}

type entry struct {
	rec     sessions.Record
	expires time.Time
}

var _ sessions.SessionHost = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithClock replaces the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

func New(opts ...Option) *Host {
	h := &Host{now: time.Now, records: make(map[string]entry)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Announce(ctx context.Context, rec sessions.Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	h.records[rec.SessionID] = entry{rec: rec, expires: h.now().Add(ttl)}
	h.mu.Unlock()
	return nil
}

func (h *Host) Withdraw(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.records, sessionID)
	h.mu.Unlock()
	return nil
}

// List returns the live records ordered by creation time. Expired records
// are dropped as a side effect.
func (h *Host) List(ctx context.Context) ([]sessions.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := h.now()

	h.mu.Lock()
	out := make([]sessions.Record, 0, len(h.records))
	for id, e := range h.records {
		if !now.Before(e.expires) {
			delete(h.records, id)
			continue
		}
		out = append(out, e.rec)
	}
	h.mu.Unlock()

	slices.SortFunc(out, func(a, b sessions.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out, nil
}

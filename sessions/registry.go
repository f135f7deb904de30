package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/ggoodman/mcp-http-bridge/peer"
)

// implicitKey collapses concurrent implicit creations into one spawn.
const implicitKey = "implicit"

type entry struct {
	session *Session
	seq     uint64
}

// Registry maps session ids to live sessions and decides which session serves
// a call.
type Registry struct {
	spawner peer.Spawner
	cfg     registryConfig
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]entry
	seq      uint64
	closed   bool

	flight singleflight.Group
	wg     sync.WaitGroup
}

// NewRegistry returns an empty registry that spawns peers with spawner.
func NewRegistry(spawner peer.Spawner, opts ...Option) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		spawner:  spawner,
		cfg:      cfg,
		log:      cfg.log,
		sessions: make(map[string]entry),
	}
}

// Policy returns the creation policy the registry was configured with.
func (r *Registry) Policy() Policy { return r.cfg.policy }

// Create spawns a new peer and registers a session for it. When spawning
// fails the error wraps ErrSpawnFailed and nothing is registered.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	proc, err := r.spawner.Spawn(ctx)
	if err != nil {
		r.cfg.metrics.SpawnFailed()
		r.log.ErrorContext(ctx, "session.spawn.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s := newSession(uuid.NewString(), proc, sessionConfig{
		log:         r.log,
		metrics:     r.cfg.metrics,
		callTimeout: r.cfg.callTimeout,
		enricher:    r.cfg.enricher,
		onClose:     r.evict,
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.cfg.metrics.SessionOpened()
		s.start()
		_ = s.Close(ctx)
		return nil, ErrRegistryClosed
	}
	r.seq++
	r.sessions[s.id] = entry{session: s, seq: r.seq}
	// Counted under mu: Shutdown flips closed under mu before it waits.
	if r.cfg.host != nil {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	s.start()
	r.cfg.metrics.SessionOpened()
	r.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id, PID: proc.Pid()}), "session.created")

	if r.cfg.host != nil {
		go r.heartbeat(s)
	}

	return s, nil
}

// Lookup returns the session registered under id, without any fallback.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e.session, ok
}

// GetOrCreate resolves the session that serves a call carrying id, which may
// be empty. An exact match always wins. Otherwise, unless strict, the most
// recently created session is used. With PolicyLazy a session is spawned
// when none can be resolved; concurrent callers share that one spawn.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if s, ok := r.resolve(id); ok {
		return s, nil
	}
	if r.cfg.policy != PolicyLazy {
		return nil, r.notFound(id)
	}
	// A client naming a session that does not exist here is not handed a
	// fresh one in strict mode; it must start over explicitly.
	if r.cfg.strict && id != "" {
		return nil, r.notFound(id)
	}

	v, err, _ := r.flight.Do(implicitKey, func() (any, error) {
		if s, ok := r.resolve(id); ok {
			return s, nil
		}
		return r.Create(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) resolve(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		if e, ok := r.sessions[id]; ok {
			return e.session, true
		}
	}
	if r.cfg.strict {
		return nil, false
	}
	var latest entry
	for _, e := range r.sessions {
		if e.seq > latest.seq {
			latest = e
		}
	}
	return latest.session, latest.session != nil
}

func (r *Registry) notFound(id string) error {
	if id == "" {
		return fmt.Errorf("%w: no active session", ErrSessionNotFound)
	}
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Remove closes and forgets the session registered under id. Removing an
// unknown session is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.log.InfoContext(ctx, "session.removed", slog.String("session_id", id))
	return e.session.Close(ctx)
}

// evict drops s once its peer has exited, unless the id has since been taken
// by another session.
func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[s.id]; ok && e.session == s {
		delete(r.sessions, s.id)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the registered sessions, oldest first.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]*Session, len(entries))
	for i, e := range entries {
		out[i] = e.session
	}
	return out
}

// Shutdown refuses further creations and closes every session concurrently.
// Peers still running when ctx ends are killed. The returned error
// aggregates the per-session failures.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]entry, 0, len(r.sessions))
	for id, e := range r.sessions {
		entries = append(entries, e)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, e := range entries {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("session %s: %w", s.id, err))
				mu.Unlock()
			}
		}(e.session)
	}
	wg.Wait()
	r.wg.Wait()

	r.log.InfoContext(ctx, "registry.shutdown", slog.Int("sessions", len(entries)))
	return result.ErrorOrNil()
}

// Cluster lists the sessions advertised by every bridge instance sharing the
// registry's SessionHost. Without a host only local sessions are reported.
func (r *Registry) Cluster(ctx context.Context) ([]Record, error) {
	if r.cfg.host == nil {
		local := r.Sessions()
		out := make([]Record, len(local))
		for i, s := range local {
			out[i] = r.record(s)
		}
		return out, nil
	}
	return r.cfg.host.List(ctx)
}

func (r *Registry) record(s *Session) Record {
	return Record{
		SessionID: s.id,
		Instance:  r.cfg.instance,
		PID:       s.PID(),
		CreatedAt: s.createdAt,
	}
}

// heartbeat keeps s advertised in the session host until its peer exits.
func (r *Registry) heartbeat(s *Session) {
	defer r.wg.Done()

	ttl := r.cfg.heartbeatTTL
	rec := r.record(s)
	announce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
		defer cancel()
		if err := r.cfg.host.Announce(ctx, rec, ttl); err != nil {
			r.log.WarnContext(s.logCtx, "session.announce.fail", slog.String("err", err.Error()))
		}
	}

	announce()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			announce()
		case <-s.Done():
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			defer cancel()
			if err := r.cfg.host.Withdraw(ctx, s.id); err != nil && !errors.Is(err, context.Canceled) {
				r.log.WarnContext(s.logCtx, "session.withdraw.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
}

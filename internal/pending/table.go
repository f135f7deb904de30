// Package pending correlates outbound JSON-RPC requests with the replies that
// later arrive, in any order, on a peer's output stream.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTimeout bounds every call that is registered without an explicit
// timeout.
const DefaultTimeout = 10 * time.Second

const defaultExpiredMemory = 256

var (
	// ErrTimeout resolves a call whose reply did not arrive in time.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrDuplicateID is returned when an id is registered while a call with
	// the same id is still outstanding.
	ErrDuplicateID = errors.New("request id already pending")
	// ErrMissingID is returned when registering a call without an id.
	ErrMissingID = errors.New("request id required")
	// ErrClosed is the default failure for calls outstanding when the table
	// is closed.
	ErrClosed = errors.New("pending-call table closed")
)

// Call is a single outstanding request awaiting its reply. It is resolved
// exactly once, by a matching reply, by its timeout, or by the table being
// drained.
type Call struct {
	ID        *jsonrpc.RequestID
	Method    string
	CreatedAt time.Time

	key   string
	timer *time.Timer
	done  chan struct{}
	reply *jsonrpc.AnyMessage
	err   error
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call is resolved or ctx ends. Returning because of ctx
// does not cancel the call; it remains registered until a reply or its own
// timeout resolves it.
func (c *Call) Wait(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) finish(reply *jsonrpc.AnyMessage, err error) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.reply = reply
	c.err = err
	close(c.done)
}

// Table maps request ids to outstanding calls. It is safe for concurrent use.
type Table struct {
	timeout time.Duration

	mu       sync.Mutex
	calls    map[string]*Call
	closed   bool
	closeErr error

	// expired remembers ids that timed out so that late replies can be told
	// apart from replies nobody ever asked for.
	expired *lru.Cache[string, time.Time]
}

// Option customizes a Table.
type Option func(*tableConfig)

type tableConfig struct {
	timeout       time.Duration
	expiredMemory int
}

// WithTimeout sets the timeout applied to calls registered without one.
func WithTimeout(d time.Duration) Option {
	return func(c *tableConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithExpiredMemory sets how many timed-out ids are remembered for late-reply
// diagnostics.
func WithExpiredMemory(n int) Option {
	return func(c *tableConfig) {
		if n > 0 {
			c.expiredMemory = n
		}
	}
}

// New constructs an empty Table.
func New(opts ...Option) *Table {
	cfg := tableConfig{timeout: DefaultTimeout, expiredMemory: defaultExpiredMemory}
	for _, opt := range opts {
		opt(&cfg)
	}
	expired, err := lru.New[string, time.Time](cfg.expiredMemory)
	if err != nil {
		// Only possible for a non-positive size, which the options rule out.
		panic(fmt.Sprintf("pending: create expiry cache: %v", err))
	}
	return &Table{
		timeout: cfg.timeout,
		calls:   make(map[string]*Call),
		expired: expired,
	}
}

// Register records a call awaiting the reply to id. A non-positive timeout
// selects the table default. The returned call is always resolved: by
// Resolve, by Reject, by its timeout or by ExpireAll/Close.
func (t *Table) Register(id *jsonrpc.RequestID, method string, timeout time.Duration) (*Call, error) {
	if id.IsNil() {
		return nil, ErrMissingID
	}
	if timeout <= 0 {
		timeout = t.timeout
	}

	c := &Call{
		ID:        id,
		Method:    method,
		CreatedAt: time.Now(),
		key:       id.Key(),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, t.closeErr
	}
	if _, exists := t.calls[c.key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id.String())
	}
	t.calls[c.key] = c
	t.expired.Remove(c.key)
	c.timer = time.AfterFunc(timeout, func() { t.expire(c) })

	return c, nil
}

// Resolve completes the call waiting on reply's id. It reports false when no
// such call is outstanding, which covers both late replies and replies that
// were never requested.
func (t *Table) Resolve(reply *jsonrpc.AnyMessage) bool {
	if reply == nil || reply.ID.IsNil() {
		return false
	}
	c := t.take(reply.ID.Key())
	if c == nil {
		return false
	}
	c.finish(reply, nil)
	return true
}

// Hold stops the timeout of the call waiting on id, whose reply has arrived
// but is not released yet. It reports false when no such call is outstanding
// or its timeout has already fired or been held. A held call stays registered until
// Resolve, Reject, ExpireAll or Close.
func (t *Table) Hold(id *jsonrpc.RequestID) bool {
	if id.IsNil() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id.Key()]
	if !ok {
		return false
	}
	return c.timer.Stop()
}

// Reject completes the call waiting on id with err.
func (t *Table) Reject(id *jsonrpc.RequestID, err error) bool {
	if id.IsNil() {
		return false
	}
	c := t.take(id.Key())
	if c == nil {
		return false
	}
	c.finish(nil, err)
	return true
}

// Pending reports whether a call for id is outstanding.
func (t *Table) Pending(id *jsonrpc.RequestID) bool {
	if id.IsNil() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id.Key()]
	return ok
}

// RecentlyExpired reports whether a call for id timed out recently.
func (t *Table) RecentlyExpired(id *jsonrpc.RequestID) bool {
	if id.IsNil() {
		return false
	}
	return t.expired.Contains(id.Key())
}

// Len returns the number of outstanding calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// ExpireAll resolves every outstanding call with err and empties the table.
// The table remains usable. It returns the number of calls resolved.
func (t *Table) ExpireAll(err error) int {
	if err == nil {
		err = ErrClosed
	}
	t.mu.Lock()
	calls := t.drainLocked()
	t.mu.Unlock()

	for _, c := range calls {
		c.finish(nil, err)
	}
	return len(calls)
}

// Close expires every outstanding call with err and makes subsequent
// registrations fail with the same error. Only the first Close has effect.
func (t *Table) Close(err error) int {
	if err == nil {
		err = ErrClosed
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	t.closeErr = err
	calls := t.drainLocked()
	t.mu.Unlock()

	for _, c := range calls {
		c.finish(nil, err)
	}
	return len(calls)
}

func (t *Table) drainLocked() []*Call {
	calls := make([]*Call, 0, len(t.calls))
	for key, c := range t.calls {
		delete(t.calls, key)
		calls = append(calls, c)
	}
	return calls
}

func (t *Table) take(key string) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[key]
	if !ok {
		return nil
	}
	delete(t.calls, key)
	return c
}

func (t *Table) expire(c *Call) {
	t.mu.Lock()
	cur, ok := t.calls[c.key]
	if !ok || cur != c {
		t.mu.Unlock()
		return
	}
	delete(t.calls, c.key)
	t.expired.Add(c.key, time.Now())
	t.mu.Unlock()

	c.finish(nil, ErrTimeout)
}

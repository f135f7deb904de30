package sessions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-http-bridge/internal/framing"
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/internal/logctx"
	"github.com/ggoodman/mcp-http-bridge/internal/metrics"
	"github.com/ggoodman/mcp-http-bridge/internal/pending"
	"github.com/ggoodman/mcp-http-bridge/peer"
)

const (
	readChunkSize = 32 * 1024
	maxStderrLine = 1024 * 1024
	// killWait bounds how long Close waits for a killed peer to be reaped.
	killWait = 2 * time.Second
)

// Caller issues a request on a session and waits for its reply.
type Caller interface {
	Call(ctx context.Context, req *jsonrpc.AnyMessage, timeout time.Duration) (*jsonrpc.AnyMessage, error)
}

// ReplyEnricher may augment a reply before it is released to its caller.
//
// Matches is called on the session's reader goroutine and must be cheap.
// Enrich runs on its own goroutine, so it may issue further calls through c
// while the session keeps reading. It must always return a reply to release;
// returning the original unchanged is how enrichment failure is expressed.
type ReplyEnricher interface {
	Matches(reply *jsonrpc.AnyMessage) bool
	Enrich(ctx context.Context, c Caller, reply *jsonrpc.AnyMessage) *jsonrpc.AnyMessage
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type sessionConfig struct {
	log         *slog.Logger
	metrics     *metrics.Metrics
	callTimeout time.Duration
	enricher    ReplyEnricher
	onClose     func(*Session)
}

// Session owns one peer process and correlates the replies it writes with
// the calls made on the session. All methods are safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	proc      peer.Process
	cfg       sessionConfig
	log       *slog.Logger
	logCtx    context.Context

	calls   *pending.Table
	decoder *framing.Decoder

	writeMu sync.Mutex

	state     atomic.Int32
	done      chan struct{}
	err       error
	readers    sync.WaitGroup
	background sync.WaitGroup

	// ctx is canceled when the peer exits; it bounds enrichment exchanges.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Caller = (*Session)(nil)

func newSession(id string, proc peer.Process, cfg sessionConfig) *Session {
	if cfg.log == nil {
		cfg.log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		proc:      proc,
		cfg:       cfg,
		log:       cfg.log,
		calls:     pending.New(pending.WithTimeout(cfg.callTimeout)),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.logCtx = logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: id, PID: proc.Pid()})
	s.decoder = framing.NewDecoder(framing.WithMalformedHandler(s.onMalformed))
	return s
}

// start launches the goroutines that pump the peer's output streams and reap
// the process.
func (s *Session) start() {
	s.readers.Add(2)
	go s.readStdout()
	go s.readStderr()
	go s.wait()
}

// ID returns the opaque session token handed to clients.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session's peer was spawned.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// PID returns the peer's process id.
func (s *Session) PID() int { return s.proc.Pid() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Pending returns the number of calls awaiting a reply.
func (s *Session) Pending() int { return s.calls.Len() }

// Done is closed once the peer has exited and every pending call has been
// resolved.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Send writes msg to the peer as a single framed line. Concurrent sends never
// interleave.
func (s *Session) Send(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.State() == StateClosed {
		return s.closedErr()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode compacts the value and terminates it with the frame delimiter.
	if err := enc.Encode(msg); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.proc.Stdin().Write(buf.Bytes()); err != nil {
		if s.State() == StateClosed || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return fmt.Errorf("write to peer: %w", err)
	}
	return nil
}

// AwaitReply registers interest in the reply to id. The returned call is
// always resolved, at the latest when timeout (or the session default)
// elapses or the session closes.
func (s *Session) AwaitReply(id *jsonrpc.RequestID, method string, timeout time.Duration) (*pending.Call, error) {
	c, err := s.calls.Register(id, method, timeout)
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("register call: %w", err)
	}
	return c, nil
}

// Call sends req and waits for the reply carrying its id. The wait is
// registered before the request is written so a fast reply cannot be missed.
// A non-positive timeout selects the session default.
func (s *Session) Call(ctx context.Context, req *jsonrpc.AnyMessage, timeout time.Duration) (*jsonrpc.AnyMessage, error) {
	c, err := s.AwaitReply(req.ID, req.Method, timeout)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, req); err != nil {
		s.calls.Reject(req.ID, err)
		return nil, err
	}
	return c.Wait(ctx)
}

// Notify sends a message for which no reply is expected.
func (s *Session) Notify(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	return s.Send(ctx, msg)
}

// Close asks the peer to exit and waits for it until ctx ends, after which
// the peer is killed. Pending calls are resolved with ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	if s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		s.log.DebugContext(s.logCtx, "session.close.start")
		s.writeMu.Lock()
		_ = s.proc.Stdin().Close()
		s.writeMu.Unlock()
		if err := s.proc.Terminate(); err != nil {
			s.log.WarnContext(s.logCtx, "peer.terminate.fail", slog.String("err", err.Error()))
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
	}

	if err := s.proc.Kill(); err != nil {
		s.log.WarnContext(s.logCtx, "peer.kill.fail", slog.String("err", err.Error()))
	}
	select {
	case <-s.done:
	case <-time.After(killWait):
		s.log.ErrorContext(s.logCtx, "peer.kill.unreaped")
	}
	return fmt.Errorf("%w: session %s (pid %d)", ErrPeerKilled, s.id, s.proc.Pid())
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) readStdout() {
	defer s.readers.Done()

	r := s.proc.Stdout()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for msg := range s.decoder.Feed(buf[:n]) {
				s.dispatch(msg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.WarnContext(s.logCtx, "peer.stdout.fail", slog.String("err", err.Error()))
			}
			if rest := s.decoder.Buffered(); rest > 0 {
				s.log.WarnContext(s.logCtx, "peer.stdout.truncated", slog.Int("bytes", rest))
			}
			return
		}
	}
}

func (s *Session) readStderr() {
	defer s.readers.Done()

	sc := bufio.NewScanner(s.proc.Stderr())
	sc.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		s.log.InfoContext(s.logCtx, "peer.stderr", slog.String("line", line))
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.WarnContext(s.logCtx, "peer.stderr.fail", slog.String("err", err.Error()))
		// Keep draining so the peer never blocks on a full stderr pipe.
		_, _ = io.Copy(io.Discard, s.proc.Stderr())
	}
}

// wait reaps the peer once both output streams are drained, then fails every
// outstanding call and notifies the owner.
func (s *Session) wait() {
	s.readers.Wait()
	exitErr := s.proc.Wait()

	cause := ErrSessionClosed
	if exitErr != nil {
		cause = fmt.Errorf("%w: peer exited: %v", ErrSessionClosed, exitErr)
	}

	s.state.Store(int32(StateClosed))
	s.cancel()
	s.background.Wait()
	s.err = cause
	n := s.calls.Close(cause)
	close(s.done)

	attrs := []any{slog.Int("pending_failed", n)}
	if exitErr != nil {
		attrs = append(attrs, slog.String("exit", exitErr.Error()))
	}
	s.log.InfoContext(s.logCtx, "session.closed", attrs...)
	s.cfg.metrics.SessionClosed()

	if s.cfg.onClose != nil {
		s.cfg.onClose(s)
	}
}

// dispatch routes one decoded peer message. Replies are matched purely by id;
// arrival order is irrelevant.
func (s *Session) dispatch(msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case "request":
		s.cfg.metrics.PeerMessage(metrics.ReplyPeerRequest)
		// Written off the reader: the peer may be blocked writing stdout
		// until we read again.
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.rejectPeerRequest(msg)
		}()
		return
	case "notification":
		s.cfg.metrics.PeerMessage(metrics.ReplyNotification)
		s.log.DebugContext(s.logCtx, "peer.notification", slog.String("method", msg.Method))
		return
	}

	if !msg.HasID() {
		s.cfg.metrics.PeerMessage(metrics.ReplyUnmatched)
		s.log.DebugContext(s.logCtx, "reply.unidentified")
		return
	}

	// Holding stops the caller's timeout: the reply arrived in time, so only
	// the enricher's own budget bounds how long its release may take.
	if s.cfg.enricher != nil && s.cfg.enricher.Matches(msg) && s.calls.Hold(msg.ID) {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.release(s.cfg.enricher.Enrich(s.ctx, s, msg))
		}()
		return
	}

	s.release(msg)
}

func (s *Session) release(msg *jsonrpc.AnyMessage) {
	if s.calls.Resolve(msg) {
		s.cfg.metrics.PeerMessage(metrics.ReplyMatched)
		return
	}
	if s.calls.RecentlyExpired(msg.ID) {
		s.cfg.metrics.PeerMessage(metrics.ReplyLate)
		s.log.WarnContext(s.logCtx, "reply.late", slog.String("id", msg.ID.String()))
		return
	}
	s.cfg.metrics.PeerMessage(metrics.ReplyUnmatched)
	s.log.DebugContext(s.logCtx, "reply.unmatched", slog.String("id", msg.ID.String()))
}

// rejectPeerRequest answers a request initiated by the peer. The bridge's
// clients are stateless HTTP callers, so there is nobody to forward it to.
func (s *Session) rejectPeerRequest(msg *jsonrpc.AnyMessage) {
	s.log.DebugContext(s.logCtx, "peer.request.rejected", slog.String("method", msg.Method), slog.String("id", msg.ID.String()))
	resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not supported by bridge", map[string]any{"method": msg.Method})
	if err := s.Send(s.ctx, resp); err != nil {
		s.log.DebugContext(s.logCtx, "peer.request.reject.fail", slog.String("err", err.Error()))
	}
}

func (s *Session) onMalformed(line []byte, err error) {
	s.cfg.metrics.MalformedFrame()
	const maxPreview = 256
	preview := line
	if len(preview) > maxPreview {
		preview = preview[:maxPreview]
	}
	s.log.WarnContext(s.logCtx, "frame.malformed", slog.String("err", err.Error()), slog.String("line", string(preview)))
}

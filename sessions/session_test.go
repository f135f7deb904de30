package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/internal/pending"
	"github.com/ggoodman/mcp-http-bridge/peer/peertest"
)

func startSession(t *testing.T, proc *peertest.Fake, cfg sessionConfig) *Session {
	t.Helper()
	s := newSession("sess-test", proc, cfg)
	s.start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func request(id any, method string) *jsonrpc.AnyMessage {
	return &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(id)}
}

func resultOf(t *testing.T, msg *jsonrpc.AnyMessage) map[string]any {
	t.Helper()
	require.NotNil(t, msg)
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg.Result, &out))
	return out
}

func TestSessionResolvesRepliesOutOfOrder(t *testing.T) {
	f := peertest.New(nil)
	s := startSession(t, f, sessionConfig{})

	calls := make(map[int]*pending.Call)
	for _, id := range []int{1, 2, 3} {
		c, err := s.AwaitReply(jsonrpc.NewRequestID(id), "tools/call", time.Second)
		require.NoError(t, err)
		calls[id] = c
	}
	require.Equal(t, 3, s.Pending())

	for _, id := range []int{3, 1, 2} {
		require.NoError(t, f.Send(peertest.Result(jsonrpc.NewRequestID(id), map[string]any{"n": id})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for id, c := range calls {
		reply, err := c.Wait(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, id, resultOf(t, reply)["n"])
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSessionCallEchoes(t *testing.T) {
	f := peertest.New(peertest.MCP())
	s := startSession(t, f, sessionConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := s.Call(ctx, request(7, "ping"), 0)
	require.NoError(t, err)
	assert.Equal(t, "ping", resultOf(t, reply)["method"])
	assert.Equal(t, "n:7", reply.ID.Key())
}

func TestSessionPeerExitFailsPendingCalls(t *testing.T) {
	f := peertest.New(nil)
	closed := make(chan *Session, 1)
	s := startSession(t, f, sessionConfig{onClose: func(s *Session) { closed <- s }})

	c5, err := s.AwaitReply(jsonrpc.NewRequestID(5), "tools/call", 5*time.Second)
	require.NoError(t, err)
	c6, err := s.AwaitReply(jsonrpc.NewRequestID(6), "tools/call", 5*time.Second)
	require.NoError(t, err)

	f.Exit(errors.New("exit status 1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, c := range []*pending.Call{c5, c6} {
		_, err := c.Wait(ctx)
		assert.ErrorIs(t, err, ErrSessionClosed)
	}

	select {
	case got := <-closed:
		assert.Same(t, s, got)
	case <-ctx.Done():
		t.Fatal("onClose was not invoked")
	}
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)
	assert.Contains(t, s.Err().Error(), "exit status 1")
	assert.Equal(t, StateClosed, s.State())

	_, err = s.AwaitReply(jsonrpc.NewRequestID(7), "ping", 0)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Send(ctx, request(8, "ping")), ErrSessionClosed)
}

func TestSessionLateReplyIsDiscarded(t *testing.T) {
	f := peertest.New(nil)
	s := startSession(t, f, sessionConfig{})

	c, err := s.AwaitReply(jsonrpc.NewRequestID(9), "slow", 30*time.Millisecond)
	require.NoError(t, err)
	_, err = c.Wait(context.Background())
	require.ErrorIs(t, err, pending.ErrTimeout)

	require.NoError(t, f.Send(peertest.Result(jsonrpc.NewRequestID(9), "too late")))

	// The session keeps serving after the stray reply.
	next, err := s.AwaitReply(jsonrpc.NewRequestID(10), "fast", time.Second)
	require.NoError(t, err)
	require.NoError(t, f.Send(peertest.Result(jsonrpc.NewRequestID(10), map[string]any{"ok": true})))
	reply, err := next.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, resultOf(t, reply)["ok"])
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, StateOpen, s.State())
}

func TestSessionRejectsPeerRequests(t *testing.T) {
	f := peertest.New(nil)
	startSession(t, f, sessionConfig{})

	require.NoError(t, f.Send(`{"jsonrpc":"2.0","id":"srv-1","method":"roots/list"}`+"\n"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := f.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, msg.Error.Code)
	assert.Equal(t, "s:srv-1", msg.ID.Key())
}

func TestSessionSkipsNoiseBetweenReplies(t *testing.T) {
	f := peertest.New(nil)
	s := startSession(t, f, sessionConfig{})

	c, err := s.AwaitReply(jsonrpc.NewRequestID("a"), "x", time.Second)
	require.NoError(t, err)

	require.NoError(t, f.Send(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`+"\n"))
	require.NoError(t, f.Send("this is not json\n"))
	require.NoError(t, f.Send("[1,2,3]\n"))
	require.NoError(t, f.Stderrf("warming up"))
	require.NoError(t, f.Send(`{"jsonrpc":"2.0","id":"a",`))
	require.NoError(t, f.Send(`"result":{"split":true}}`+"\n"))

	reply, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, resultOf(t, reply)["split"])
}

func TestSessionSendDoesNotInterleave(t *testing.T) {
	f := peertest.New(peertest.MCP())
	s := startSession(t, f, sessionConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 50
	errs := make(chan error, n)
	for i := range n {
		go func() {
			reply, err := s.Call(ctx, request(fmt.Sprintf("c-%d", i), "ping"), 0)
			if err == nil && reply.ID.String() != fmt.Sprintf("c-%d", i) {
				err = fmt.Errorf("reply for %s delivered to c-%d", reply.ID, i)
			}
			errs <- err
		}()
	}
	for range n {
		require.NoError(t, <-errs)
	}
}

func TestSessionCloseTerminatesPeer(t *testing.T) {
	f := peertest.New(nil)
	s := startSession(t, f, sessionConfig{})

	c, err := s.AwaitReply(jsonrpc.NewRequestID(1), "x", 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.True(t, f.Terminated())

	_, err = c.Wait(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, s.Close(ctx), "close is idempotent")
}

type stubbornPeer struct{ *peertest.Fake }

func (stubbornPeer) Terminate() error { return nil }

func TestSessionCloseKillsStubbornPeer(t *testing.T) {
	f := peertest.New(nil)
	s := newSession("stubborn", stubbornPeer{f}, sessionConfig{})
	s.start()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	require.ErrorIs(t, err, ErrPeerKilled)
	<-s.Done()
	assert.False(t, f.Terminated())
	assert.Contains(t, s.Err().Error(), "killed")
}

// countingEnricher issues a nested call on the session before releasing the
// reply, which only works if the reader keeps running during enrichment.
type countingEnricher struct{}

func (countingEnricher) Matches(reply *jsonrpc.AnyMessage) bool {
	return reply.ID.String() == "outer"
}

func (countingEnricher) Enrich(ctx context.Context, c Caller, reply *jsonrpc.AnyMessage) *jsonrpc.AnyMessage {
	inner, err := c.Call(ctx, request("inner", "count"), time.Second)
	if err != nil {
		return reply
	}
	out, err := reply.WithResult(inner.Result)
	if err != nil {
		return reply
	}
	return out
}

func TestSessionEnricherCanCallPeer(t *testing.T) {
	f := peertest.New(func(f *peertest.Fake, msg *jsonrpc.AnyMessage) []any {
		if msg.Method == "count" {
			return []any{peertest.Result(msg.ID, map[string]any{"count": 3})}
		}
		return []any{peertest.Result(msg.ID, map[string]any{"count": 0})}
	})
	s := startSession(t, f, sessionConfig{enricher: countingEnricher{}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := s.Call(ctx, request("outer", "start"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, resultOf(t, reply)["count"])
	assert.Equal(t, "outer", reply.ID.String())
}

// silentListEnricher asks the peer for a listing it never answers.
type silentListEnricher struct{ budget time.Duration }

func (silentListEnricher) Matches(reply *jsonrpc.AnyMessage) bool { return true }

func (e silentListEnricher) Enrich(ctx context.Context, c Caller, reply *jsonrpc.AnyMessage) *jsonrpc.AnyMessage {
	_, _ = c.Call(ctx, request("list-1", "tools/list"), e.budget)
	return reply
}

func TestSessionEnrichmentDoesNotTimeOutTimelyReply(t *testing.T) {
	f := peertest.New(func(f *peertest.Fake, msg *jsonrpc.AnyMessage) []any {
		if msg.Method != "initialize" {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
		return []any{peertest.Result(msg.ID, map[string]any{"capabilities": map[string]any{}})}
	})
	s := startSession(t, f, sessionConfig{enricher: silentListEnricher{budget: 300 * time.Millisecond}})

	// The reply lands inside the call's budget; enrichment then runs past it.
	reply, err := s.Call(context.Background(), request(1, "initialize"), 250*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, resultOf(t, reply), "capabilities")
	assert.Equal(t, 0, s.Pending())
}

func TestSessionPeerRequestDoesNotStallReader(t *testing.T) {
	f := peertest.New(func(f *peertest.Fake, msg *jsonrpc.AnyMessage) []any {
		if msg.Method != "work" {
			return nil
		}
		return []any{
			request("srv-7", "roots/list"),
			peertest.Result(msg.ID, map[string]any{"done": true}),
		}
	})
	s := startSession(t, f, sessionConfig{})

	reply, err := s.Call(context.Background(), request(3, "work"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, resultOf(t, reply)["done"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		msg, err := f.Next(ctx)
		require.NoError(t, err)
		if msg.Error == nil {
			continue
		}
		assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, msg.Error.Code)
		assert.Equal(t, "s:srv-7", msg.ID.Key())
		return
	}
}

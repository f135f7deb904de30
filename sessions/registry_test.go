package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-http-bridge/peer/peertest"
)

func newRegistry(t *testing.T, sp *peertest.Spawner, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(sp, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func TestRegistryCreateAndLookup(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := newRegistry(t, sp)

	s, err := r.Create(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())
	assert.Equal(t, 1000, s.PID())

	got, ok := r.Lookup(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestRegistrySpawnFailureRegistersNothing(t *testing.T) {
	sp := &peertest.Spawner{Err: peertest.ErrSpawnRefused}
	r := newRegistry(t, sp, WithPolicy(PolicyLazy))

	_, err := r.Create(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.Contains(t, err.Error(), peertest.ErrSpawnRefused.Error())

	_, err = r.GetOrCreate(context.Background(), "")
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryGetOrCreateFallsBackToNewest(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := newRegistry(t, sp)

	first, err := r.Create(context.Background())
	require.NoError(t, err)
	second, err := r.Create(context.Background())
	require.NoError(t, err)

	got, err := r.GetOrCreate(context.Background(), first.ID())
	require.NoError(t, err)
	assert.Same(t, first, got)

	for _, id := range []string{"", "unknown"} {
		got, err = r.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
		assert.Same(t, second, got, "id %q", id)
	}

	assert.Equal(t, []*Session{first, second}, r.Sessions())
}

func TestRegistryInitializePolicyNeverCreatesImplicitly(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := newRegistry(t, sp)

	_, err := r.GetOrCreate(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, sp.Spawned())
}

func TestRegistryStrictSessions(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := newRegistry(t, sp, WithStrictSessions(true))

	s, err := r.Create(context.Background())
	require.NoError(t, err)

	_, err = r.GetOrCreate(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.GetOrCreate(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionNotFound)

	got, err := r.GetOrCreate(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestRegistryLazyCreationIsSingular(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := newRegistry(t, sp, WithPolicy(PolicyLazy))

	const n = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[s.ID()] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Len(t, sp.Spawned(), 1)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := newRegistry(t, sp)

	s, err := r.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Remove(ctx, s.ID()))
	require.NoError(t, r.Remove(ctx, s.ID()))
	assert.Equal(t, 0, r.Len())
	assert.True(t, sp.Last().Terminated())
}

func TestRegistryEvictsExitedPeers(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := newRegistry(t, sp)

	s, err := r.Create(context.Background())
	require.NoError(t, err)
	sp.Last().Exit(nil)
	<-s.Done()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryShutdown(t *testing.T) {
	sp := &peertest.Spawner{Handler: peertest.MCP()}
	r := NewRegistry(sp)

	for range 3 {
		_, err := r.Create(context.Background())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, 0, r.Len())
	for _, f := range sp.Spawned() {
		assert.True(t, f.Terminated())
	}

	_, err := r.Create(ctx)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyInitialize, p)

	p, err = ParsePolicy("lazy")
	require.NoError(t, err)
	assert.Equal(t, PolicyLazy, p)

	_, err = ParsePolicy("eager")
	assert.Error(t, err)
}

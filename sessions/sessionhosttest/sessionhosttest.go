// Package sessionhosttest is a conformance suite for sessions.SessionHost
// implementations.
package sessionhosttest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-http-bridge/sessions"
)

// Harness is a SessionHost under test together with a way to move its clock.
type Harness struct {
	Host sessions.SessionHost
	// Advance moves the host's notion of time forward by d.
	Advance func(d time.Duration)
}

// HostFactory creates a new, empty harness for each subtest.
type HostFactory func(t *testing.T) Harness

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Announce_ListReturnsRecord", func(t *testing.T) { testAnnounceList(t, factory) })
	t.Run("Announce_RefreshReplacesRecord", func(t *testing.T) { testAnnounceRefresh(t, factory) })
	t.Run("Withdraw_RemovesRecord", func(t *testing.T) { testWithdraw(t, factory) })
	t.Run("Withdraw_UnknownIsNoop", func(t *testing.T) { testWithdrawUnknown(t, factory) })
	t.Run("Expiry_RecordsLapseWithoutHeartbeat", func(t *testing.T) { testExpiry(t, factory) })
	t.Run("Expiry_HeartbeatKeepsRecordAlive", func(t *testing.T) { testHeartbeat(t, factory) })
	t.Run("Concurrency_ParallelAnnounce", func(t *testing.T) { testParallelAnnounce(t, factory) })
}

func record(id, instance string, pid int) sessions.Record {
	return sessions.Record{
		SessionID: id,
		Instance:  instance,
		PID:       pid,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, pid%60, 0, time.UTC),
	}
}

func ids(recs []sessions.Record) map[string]sessions.Record {
	out := make(map[string]sessions.Record, len(recs))
	for _, r := range recs {
		out[r.SessionID] = r
	}
	return out
}

func mustList(t *testing.T, h sessions.SessionHost) map[string]sessions.Record {
	t.Helper()
	recs, err := h.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return ids(recs)
}

func testAnnounceList(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := context.Background()

	if got := mustList(t, h); len(got) != 0 {
		t.Fatalf("expected empty host, got %v", got)
	}

	a := record("sess-a", "replica-1", 11)
	b := record("sess-b", "replica-2", 12)
	for _, r := range []sessions.Record{a, b} {
		if err := h.Announce(ctx, r, time.Minute); err != nil {
			t.Fatalf("Announce(%s): %v", r.SessionID, err)
		}
	}

	got := mustList(t, h)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if rec := got["sess-a"]; rec.Instance != "replica-1" || rec.PID != 11 || !rec.CreatedAt.Equal(a.CreatedAt) {
		t.Fatalf("unexpected record for sess-a: %+v", rec)
	}
	if rec := got["sess-b"]; rec.Instance != "replica-2" || rec.PID != 12 {
		t.Fatalf("unexpected record for sess-b: %+v", rec)
	}
}

func testAnnounceRefresh(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := context.Background()

	if err := h.Announce(ctx, record("sess-a", "replica-1", 11), time.Minute); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := h.Announce(ctx, record("sess-a", "replica-1", 21), time.Minute); err != nil {
		t.Fatalf("Announce refresh: %v", err)
	}

	got := mustList(t, h)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got["sess-a"].PID != 21 {
		t.Fatalf("expected refreshed pid 21, got %d", got["sess-a"].PID)
	}
}

func testWithdraw(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := context.Background()

	for _, id := range []string{"sess-a", "sess-b"} {
		if err := h.Announce(ctx, record(id, "replica-1", 1), time.Minute); err != nil {
			t.Fatalf("Announce: %v", err)
		}
	}
	if err := h.Withdraw(ctx, "sess-a"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	got := mustList(t, h)
	if _, ok := got["sess-a"]; ok {
		t.Fatalf("sess-a still listed after withdraw")
	}
	if _, ok := got["sess-b"]; !ok {
		t.Fatalf("sess-b missing after withdrawing sess-a")
	}
}

func testWithdrawUnknown(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	if err := h.Withdraw(context.Background(), "never-announced"); err != nil {
		t.Fatalf("Withdraw unknown: %v", err)
	}
}

func testExpiry(t *testing.T, factory HostFactory) {
	hs := factory(t)
	ctx := context.Background()

	if err := hs.Host.Announce(ctx, record("short", "replica-1", 1), 2*time.Second); err != nil {
		t.Fatalf("Announce short: %v", err)
	}
	if err := hs.Host.Announce(ctx, record("long", "replica-1", 2), time.Minute); err != nil {
		t.Fatalf("Announce long: %v", err)
	}

	hs.Advance(3 * time.Second)

	got := mustList(t, hs.Host)
	if _, ok := got["short"]; ok {
		t.Fatalf("expired record still listed")
	}
	if _, ok := got["long"]; !ok {
		t.Fatalf("unexpired record missing")
	}
}

func testHeartbeat(t *testing.T, factory HostFactory) {
	hs := factory(t)
	ctx := context.Background()
	rec := record("beating", "replica-1", 1)

	for range 5 {
		if err := hs.Host.Announce(ctx, rec, 2*time.Second); err != nil {
			t.Fatalf("Announce: %v", err)
		}
		hs.Advance(time.Second)
	}

	if _, ok := mustList(t, hs.Host)["beating"]; !ok {
		t.Fatalf("record expired despite heartbeats")
	}
}

func testParallelAnnounce(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Announce(ctx, record(fmt.Sprintf("sess-%02d", i), "replica-1", i), time.Minute); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Announce: %v", err)
	}

	if got := mustList(t, h); len(got) != n {
		t.Fatalf("expected %d records, got %d", n, len(got))
	}
}

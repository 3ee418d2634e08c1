package mcp_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"pgregory.net/rapid"

	"github.com/MegaGrindStone/go-mcp-probe"
)

var errRefused = errors.New("connection refused")

type flakyTransport struct {
	lock     sync.Mutex
	failures int
	connects int
}

func (f *flakyTransport) Connect(context.Context) (mcp.Session, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.connects++
	if f.failures < 0 || f.connects <= f.failures {
		return mcp.Session{}, errRefused
	}
	return mcp.Session{ID: "flaky", MessageEndpoint: "http://localhost/message"}, nil
}

func (f *flakyTransport) Events(context.Context) iter.Seq[mcp.Event] {
	return func(func(mcp.Event) bool) {}
}

func (f *flakyTransport) Send(context.Context, mcp.JSONRPCMessage) (mcp.SendResult, error) {
	return mcp.SendResult{}, mcp.ErrNotConnected
}

func (f *flakyTransport) CheckHealth() bool { return false }

func (f *flakyTransport) Close() error { return nil }

func TestReconnectPolicy_Delays(t *testing.T) {
	policy := mcp.ReconnectPolicy{
		MaxAttempts: 7,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	got := policy.Delays(len(want))
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReconnectPolicy_DefaultDelays(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	got := mcp.DefaultReconnectPolicy.Delays(mcp.DefaultReconnectPolicy.MaxAttempts - 1)

	if len(got) != len(want) {
		t.Fatalf("got %d delays, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReconnectPolicy_DelaysProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Second)).Draw(rt, "base"))
		maxDelay := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Minute)).Draw(rt, "max"))
		multiplier := rapid.Float64Range(1, 4).Draw(rt, "multiplier")
		n := rapid.IntRange(1, 20).Draw(rt, "n")

		policy := mcp.ReconnectPolicy{MaxAttempts: n + 1, BaseDelay: base, MaxDelay: maxDelay, Multiplier: multiplier}
		delays := policy.Delays(n)

		if delays[0] != min(base, maxDelay) {
			rt.Fatalf("got first delay %v, want %v", delays[0], min(base, maxDelay))
		}
		for i, d := range delays {
			if d > maxDelay {
				rt.Fatalf("delay %d: %v exceeds max %v", i, d, maxDelay)
			}
			if i > 0 && d < delays[i-1] {
				rt.Fatalf("delay %d: %v is shorter than previous %v", i, d, delays[i-1])
			}
		}
	})
}

func TestReconnector_Connect(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := mcp.NewMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	srv := newTestServer(t)
	srv.FailConnects(2)
	transport := newTestTransport(t, srv, srv.TransportConfig())

	reconnector := mcp.NewReconnector(transport, mcp.ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}, mcp.WithReconnectorLogger(discardLogger()), mcp.WithReconnectorMetrics(metrics))

	sess, err := reconnector.Connect(context.Background())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected a session id")
	}
	if reconnector.Attempts() != 3 {
		t.Errorf("got %d attempts, want 3", reconnector.Attempts())
	}
	if reconnector.Reconnects() != 2 {
		t.Errorf("got %d reconnects, want 2", reconnector.Reconnects())
	}
	if srv.Connects() != 3 {
		t.Errorf("got %d stream requests, want 3", srv.Connects())
	}

	want := `
# HELP mcp_probe_reconnect_attempts_total Number of reconnection attempts after a failed connect.
# TYPE mcp_probe_reconnect_attempts_total counter
mcp_probe_reconnect_attempts_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "mcp_probe_reconnect_attempts_total"); err != nil {
		t.Error(err)
	}
}

func TestReconnector_Exhausted(t *testing.T) {
	transport := &flakyTransport{failures: -1}
	reconnector := mcp.NewReconnector(transport, mcp.ReconnectPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, mcp.WithReconnectorLogger(discardLogger()))

	_, err := reconnector.Connect(context.Background())
	if !errors.Is(err, mcp.ErrConnect) {
		t.Fatalf("got %v, want %v", err, mcp.ErrConnect)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("got %v, want it to wrap the last attempt's error", err)
	}
	if reconnector.Attempts() != 3 {
		t.Errorf("got %d attempts, want 3", reconnector.Attempts())
	}
	if reconnector.Reconnects() != 2 {
		t.Errorf("got %d reconnects, want 2", reconnector.Reconnects())
	}
}

func TestReconnector_BackoffSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &flakyTransport{failures: 3}
	reconnector := mcp.NewReconnector(transport, mcp.DefaultReconnectPolicy,
		mcp.WithReconnectorLogger(discardLogger()), mcp.WithReconnectorClock(clock))

	done := make(chan error, 1)
	go func() {
		_, err := reconnector.Connect(context.Background())
		done <- err
	}()

	for i, d := range mcp.DefaultReconnectPolicy.Delays(3) {
		clock.BlockUntil(1)
		if got := reconnector.Attempts(); got != i+1 {
			t.Fatalf("before delay %d: got %d attempts, want %d", i, got, i+1)
		}
		clock.Advance(d)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not finish")
	}

	if reconnector.Attempts() != 4 {
		t.Errorf("got %d attempts, want 4", reconnector.Attempts())
	}
}

func TestReconnector_Cancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &flakyTransport{failures: -1}
	reconnector := mcp.NewReconnector(transport, mcp.DefaultReconnectPolicy,
		mcp.WithReconnectorLogger(discardLogger()), mcp.WithReconnectorClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := reconnector.Connect(ctx)
		done <- err
	}()

	clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, mcp.ErrConnect) || !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want %v wrapping %v", err, mcp.ErrConnect, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not stop after cancel")
	}

	if reconnector.Attempts() != 1 {
		t.Errorf("got %d attempts, want 1", reconnector.Attempts())
	}
}

func TestReconnector_Listen(t *testing.T) {
	srv := newTestServer(t)
	transport := newTestTransport(t, srv, srv.TransportConfig())
	reconnector := mcp.NewReconnector(transport, mcp.ReconnectPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}, mcp.WithReconnectorLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan mcp.Event)
	finished := make(chan error, 1)
	go func() {
		for ev, err := range reconnector.Listen(ctx) {
			if err != nil {
				finished <- err
				return
			}
			select {
			case received <- ev:
			case <-ctx.Done():
			}
		}
		finished <- nil
	}()

	var first mcp.Session
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		first, ok = transport.Session()
		return ok
	}, "first session")

	if err := srv.Emit(first.ID, "heartbeat", "one"); err != nil {
		t.Fatalf("failed to emit: %v", err)
	}
	if ev := <-received; ev.Data != "one" {
		t.Errorf("got event %q, want %q", ev.Data, "one")
	}

	srv.DropSessions()

	var second mcp.Session
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		second, ok = transport.Session()
		return ok && second.ID != first.ID
	}, "second session")

	if err := srv.Emit(second.ID, "heartbeat", "two"); err != nil {
		t.Fatalf("failed to emit: %v", err)
	}
	if ev := <-received; ev.Data != "two" {
		t.Errorf("got event %q, want %q", ev.Data, "two")
	}

	cancel()
	if err := <-finished; err != nil {
		t.Errorf("got error %v after cancel, want none", err)
	}
	if srv.Connects() != 2 {
		t.Errorf("got %d stream requests, want 2", srv.Connects())
	}
}

func TestReconnector_ListenGivesUp(t *testing.T) {
	transport := &flakyTransport{failures: -1}
	reconnector := mcp.NewReconnector(transport, mcp.ReconnectPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, mcp.WithReconnectorLogger(discardLogger()))

	var errs []error
	for _, err := range reconnector.Listen(context.Background()) {
		errs = append(errs, err)
	}

	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if !errors.Is(errs[0], mcp.ErrConnect) {
		t.Errorf("got %v, want %v", errs[0], mcp.ErrConnect)
	}
}

package mcp_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-probe"
	"github.com/MegaGrindStone/go-mcp-probe/internal/mcptest"
)

type mockStreamWatcher struct {
	lock        sync.Mutex
	events      []mcp.Event
	errs        []error
	disconnects int
}

func (m *mockStreamWatcher) OnEvent(ev mcp.Event) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockStreamWatcher) OnStreamError(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.errs = append(m.errs, err)
}

func (m *mockStreamWatcher) OnDisconnect() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.disconnects++
}

func (m *mockStreamWatcher) counts() (int, int, int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.events), len(m.errs), m.disconnects
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, options ...mcptest.Option) *mcptest.Server {
	t.Helper()
	return mcptest.NewServer(t, append([]mcptest.Option{mcptest.WithLogger(discardLogger())}, options...)...)
}

func newTestTransport(
	t *testing.T, srv *mcptest.Server, config mcp.TransportConfig, options ...mcp.SSETransportOption,
) *mcp.SSETransport {
	t.Helper()

	opts := append([]mcp.SSETransportOption{mcp.WithSSETransportLogger(discardLogger())}, options...)
	transport := mcp.NewSSETransport(config, srv.Client(), opts...)
	t.Cleanup(func() {
		_ = transport.Close()
	})
	return transport
}

func newTestClient(t *testing.T, srv *mcptest.Server, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	transport := newTestTransport(t, srv, srv.TransportConfig())
	opts := append([]mcp.ClientOption{mcp.WithClientLogger(discardLogger())}, options...)
	client := mcp.NewClient(mcp.Info{}, transport, opts...)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func textContent(outcome mcp.ToolCallOutcome) string {
	if outcome.Result == nil {
		return ""
	}
	return outcome.Result.Text()
}

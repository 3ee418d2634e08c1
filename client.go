package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that talks to a tool server over a
// ClientTransport. It manages the connection lifecycle, performs the initialize handshake, and
// provides access to the server's tools.
//
// The client moves through the states disconnected, connecting, initializing, ready and closed.
// Requests are only sent in the ready state. Responses are matched to requests by id, whether the
// server answers a POST directly or later over the event stream, so CallTool may be used from many
// goroutines at once.
//
// A Client must be created using NewClient() and requires Connect() to be called before any
// operations can be performed. The client should be properly closed using Close() when it's no
// longer needed.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger
	clock     clockwork.Clock
	metrics   *Metrics

	readTimeout  time.Duration
	toolTimeouts map[string]time.Duration
	validateArgs bool

	lifecycle *lifecycle
	nextID    atomic.Int64

	lock               sync.Mutex
	correlator         *ResponseCorrelator
	connCtx            context.Context
	drainCancel        context.CancelFunc
	drainDone          chan struct{}
	session            Session
	serverInfo         Info
	serverCapabilities ServerCapabilities
	tools              []Tool
	toolsCached        bool
}

// HealthReport summarizes a HealthCheck.
type HealthReport struct {
	Status     HealthStatus
	Connected  bool
	ToolsCount int
	Duration   time.Duration
	SessionID  string
	Error      string
	// StreamAlive is the liveness verdict of the transport's event stream.
	StreamAlive bool
	// SinceLastEvent is the age of the last event read, set when EventSeen is true.
	SinceLastEvent time.Duration
	EventSeen      bool
}

// eventTimer is implemented by transports that track when their last event was read.
type eventTimer interface {
	TimeSinceLastEvent() (time.Duration, bool)
}

// HealthStatus is the verdict of a HealthCheck.
type HealthStatus string

// Health verdicts.
const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// DefaultClientInfo identifies the client in the initialize request when NewClient receives an
// empty Info.
var DefaultClientInfo = Info{Name: "mcp-test-suite", Version: "0.1.0"}

var defaultClientReadTimeout = 30 * time.Second

// WithClientLogger sets the logger of the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientClock sets the clock used to time calls and bound response waits.
func WithClientClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithClientMetrics sets the metrics the client reports to.
func WithClientMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithClientReadTimeout sets how long a request waits for its response when no per-call timeout
// applies.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientToolTimeouts sets per-tool call timeouts. The "default" key, when present, applies to
// tools without an entry of their own.
func WithClientToolTimeouts(timeouts map[string]time.Duration) ClientOption {
	return func(c *Client) {
		c.toolTimeouts = timeouts
	}
}

// WithClientArgumentValidation makes CallTool validate arguments against the input schema of the
// cached tool list before sending the request. Tools missing from the cache are not validated.
func WithClientArgumentValidation() ClientOption {
	return func(c *Client) {
		c.validateArgs = true
	}
}

// NewClient creates a new Model Context Protocol (MCP) client that communicates with a server
// through transport. The info parameter provides client identification sent during the handshake,
// DefaultClientInfo is used when it is empty.
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	lc, err := newLifecycle()
	if err != nil {
		panic(err)
	}

	if info == (Info{}) {
		info = DefaultClientInfo
	}

	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		clock:     clockwork.NewRealClock(),
		lifecycle: lc,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}

	return c
}

// Connect establishes the session and performs the initialize handshake.
//
// It connects the transport, starts draining the event stream, sends the initialize request and
// waits for its response, then sends the initialized notification. A failure of that notification
// is logged and does not fail Connect. Any other failure releases everything Connect acquired and
// leaves the client disconnected. Calling Connect on a ready client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.lifecycle.state() == StateReady {
		return nil
	}
	if err := c.lifecycle.fire(eventConnect); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	// A stream lost while ready leaves its drain behind.
	c.stopDrain()

	sess, err := c.transport.Connect(ctx)
	if err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	correlator := NewResponseCorrelator(
		WithCorrelatorLogger(c.logger),
		WithCorrelatorClock(c.clock),
		WithCorrelatorMetrics(c.metrics),
	)
	drainCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.lock.Lock()
	c.correlator = correlator
	c.connCtx = drainCtx
	c.drainCancel = cancel
	c.drainDone = done
	c.session = sess
	c.lock.Unlock()

	go c.drain(drainCtx, correlator, done)

	if err := c.lifecycle.fire(eventConnected); err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := c.initialize(ctx); err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if err := c.lifecycle.fire(eventInitialized); err != nil {
		c.abortConnect()
		return fmt.Errorf("failed to initialize: %w", err)
	}

	c.logger.Info("client ready",
		slog.String("sessionID", sess.ID),
		slog.String("server", c.ServerInfo().Name))

	return nil
}

// EnsureConnected connects the client unless it is already ready.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.lifecycle.state() == StateReady {
		return nil
	}
	return c.Connect(ctx)
}

// ListTools returns the tools offered by the server. With useCache set, a previously fetched list is
// returned without contacting the server. Otherwise tools/list is requested, following pagination
// cursors, and the cache is replaced with the result.
func (c *Client) ListTools(ctx context.Context, useCache bool) ([]Tool, error) {
	if c.lifecycle.state() != StateReady {
		return nil, fmt.Errorf("failed to list tools: %w", ErrNotConnected)
	}

	if useCache {
		c.lock.Lock()
		if c.toolsCached {
			tools := append([]Tool(nil), c.tools...)
			c.lock.Unlock()
			return tools, nil
		}
		c.lock.Unlock()
	}

	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}

		res, err := c.sendRequest(ctx, MethodToolsList, params, c.readTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		if res.Error != nil {
			return nil, fmt.Errorf("failed to list tools: %w", res.Error)
		}

		var result ListToolsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, fmt.Errorf("%w: failed to decode tools list: %w", ErrDecode, err)
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}

	c.lock.Lock()
	c.tools = append([]Tool(nil), tools...)
	c.toolsCached = true
	c.lock.Unlock()

	return tools, nil
}

// CallTool invokes the named tool with arguments and reports the result as a ToolCallOutcome.
//
// The call is bounded by the WithCallTimeout option, the configured per-tool timeout, or the client's
// read timeout, in that order. A server reply of 200 with a body is the response itself; a 202 or an
// empty 200 means the response arrives over the event stream and the call waits for it.
//
// CallTool never returns an error: a JSON-RPC error, a timeout, a transport failure, or a client that
// is not connected all produce an outcome with Success false and a descriptive ErrorMessage.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any, options ...CallOption) ToolCallOutcome {
	cfg := callConfig{timeout: c.toolTimeout(name)}
	for _, opt := range options {
		opt(&cfg)
	}

	start := c.clock.Now()
	outcome := c.callTool(ctx, name, arguments, cfg.timeout)
	outcome.ToolName = name
	outcome.Duration = c.clock.Since(start)

	c.metrics.observeToolCall(outcome)
	if !outcome.Success {
		c.logger.Warn("tool call failed", slog.String("tool", name), slog.String("err", outcome.ErrorMessage))
	}

	return outcome
}

// HealthCheck connects if needed, lists the tools bypassing the cache, and reports the result
// together with the liveness of the event stream. The server is healthy when the tools could be
// listed and the stream is alive.
func (c *Client) HealthCheck(ctx context.Context) HealthReport {
	start := c.clock.Now()
	report := HealthReport{Status: HealthStatusUnhealthy}

	err := c.EnsureConnected(ctx)
	if err == nil {
		var tools []Tool
		tools, err = c.ListTools(ctx, false)
		report.ToolsCount = len(tools)
	}

	report.Connected = c.lifecycle.state() == StateReady
	if sess, ok := c.Session(); ok {
		report.SessionID = sess.ID
	}
	report.StreamAlive = c.transport.CheckHealth()
	if et, ok := c.transport.(eventTimer); ok {
		report.SinceLastEvent, report.EventSeen = et.TimeSinceLastEvent()
	}
	report.Duration = c.clock.Since(start)

	if err == nil && !report.StreamAlive {
		err = fmt.Errorf("%w: event stream is not alive", ErrNotConnected)
	}
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Status = HealthStatusHealthy
	return report
}

// State returns the lifecycle state of the client.
func (c *Client) State() ClientState {
	return c.lifecycle.state()
}

// Session returns the session negotiated by the last successful Connect. It reports false when the
// client is not connected or its event stream was lost.
func (c *Client) Session() (Session, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.correlator == nil || c.session == (Session{}) {
		return Session{}, false
	}
	return c.session, true
}

// ServerInfo returns the identity the server announced during the handshake.
func (c *Client) ServerInfo() Info {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server announced during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.serverCapabilities
}

// Close stops draining the event stream, aborts in-flight requests and fails their calls with
// ErrNotConnected, closes the
// transport, and clears the tool cache and session, in that order. Calling Close more than once is
// safe. A closed client may be connected again.
func (c *Client) Close() error {
	if err := c.lifecycle.fire(eventClose); err != nil && c.lifecycle.state() == StateClosed {
		return nil
	}

	var errs error

	c.stopDrain()

	if err := c.transport.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close transport: %w", err))
	}

	c.lock.Lock()
	c.tools = nil
	c.toolsCached = false
	c.session = Session{}
	c.serverInfo = Info{}
	c.serverCapabilities = ServerCapabilities{}
	c.lock.Unlock()

	c.logger.Info("client closed")
	return errs
}

func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}

	res, err := c.sendRequest(ctx, MethodInitialize, params, c.readTimeout)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("initialize rejected: %w", res.Error)
	}

	var result initializeResult
	if len(bytes.TrimSpace(res.Result)) > 0 {
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return fmt.Errorf("%w: failed to decode initialize result: %w", ErrDecode, err)
		}
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("server negotiated a different protocol version",
			slog.String("want", ProtocolVersion), slog.String("got", result.ProtocolVersion))
	}

	c.lock.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.lock.Unlock()

	if err := c.notify(ctx, MethodNotificationsInitialized); err != nil {
		c.logger.Warn("failed to send initialized notification", slog.String("err", err.Error()))
	}

	return nil
}

func (c *Client) callTool(ctx context.Context, name string, arguments map[string]any, timeout time.Duration) ToolCallOutcome {
	fail := func(err error) ToolCallOutcome {
		return ToolCallOutcome{Err: err, ErrorMessage: describeFailure(err, timeout)}
	}

	if c.lifecycle.state() != StateReady {
		return fail(ErrNotConnected)
	}

	if arguments == nil {
		arguments = map[string]any{}
	}

	if c.validateArgs {
		if tool, ok := c.cachedTool(name); ok {
			if err := tool.ValidateArguments(arguments); err != nil {
				return fail(err)
			}
		}
	}

	res, err := c.sendRequest(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: arguments}, timeout)
	if err != nil {
		return fail(err)
	}
	if res.Error != nil {
		return fail(res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fail(fmt.Errorf("%w: failed to decode tool result: %w", ErrDecode, err))
	}

	return ToolCallOutcome{
		Success:      true,
		Result:       &result,
		ResponseSize: len(res.Result),
	}
}

// sendRequest posts a request and returns its response, either from the reply body or, for
// asynchronous replies, from the correlator. timeout bounds both steps. Tearing the connection down
// aborts the POST and fails the request with ErrNotConnected.
func (c *Client) sendRequest(ctx context.Context, method string, params any, timeout time.Duration) (
	JSONRPCMessage, error,
) {
	c.lock.Lock()
	correlator, connCtx := c.correlator, c.connCtx
	c.lock.Unlock()

	if correlator == nil {
		return JSONRPCMessage{}, ErrNotConnected
	}

	var rawParams json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		rawParams = bs
	}

	id := NewRequestID(c.nextID.Add(1))
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  rawParams,
	}

	start := c.clock.Now()
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	reply, err := c.transport.Send(sendCtx, msg)
	if connCtx.Err() != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: connection closed during %s request", ErrNotConnected, method)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return JSONRPCMessage{}, fmt.Errorf("%w: request %s after %s", ErrTimeout, id, timeout)
		}
		return JSONRPCMessage{}, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	if reply.StatusCode == http.StatusAccepted || len(bytes.TrimSpace(reply.Body)) == 0 {
		return correlator.AwaitResponse(ctx, id, timeout-c.clock.Since(start))
	}

	var res JSONRPCMessage
	if err := json.Unmarshal(reply.Body, &res); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: failed to decode %s response: %w", ErrDecode, method, err)
	}
	return res, nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	sendCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if _, err := c.transport.Send(sendCtx, msg); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", method, err)
	}
	return nil
}

func (c *Client) drain(ctx context.Context, correlator *ResponseCorrelator, done chan<- struct{}) {
	defer close(done)

	correlator.Run(ctx, c.transport.Events(ctx))
	if ctx.Err() != nil {
		return
	}

	// The stream ended without the client asking for it.
	correlator.Close()
	c.lock.Lock()
	if c.correlator == correlator {
		c.session = Session{}
	}
	c.lock.Unlock()
	if err := c.lifecycle.fire(eventLost); err == nil {
		c.logger.Warn("event stream lost, client disconnected")
	}
}

// stopDrain cancels the drain goroutine, waits for it, and fails the waiters of its correlator.
func (c *Client) stopDrain() {
	c.lock.Lock()
	correlator, cancel, done := c.correlator, c.drainCancel, c.drainDone
	c.correlator, c.connCtx, c.drainCancel, c.drainDone = nil, nil, nil, nil
	c.lock.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	correlator.Close()
}

func (c *Client) abortConnect() {
	c.stopDrain()
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("failed to close transport", slog.String("err", err.Error()))
	}
	c.lock.Lock()
	c.session = Session{}
	c.lock.Unlock()

	// Close may have won the race, in which case the client stays closed.
	_ = c.lifecycle.fire(eventFail)
}

func (c *Client) cachedTool(name string) (Tool, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func (c *Client) toolTimeout(name string) time.Duration {
	if d, ok := c.toolTimeouts[name]; ok && d > 0 {
		return d
	}
	if d, ok := c.toolTimeouts["default"]; ok && d > 0 {
		return d
	}
	return c.readTimeout
}

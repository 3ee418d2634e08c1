package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/tmaxmax/go-sse"
)

// AuthMethod selects how the API key is presented to the server.
type AuthMethod string

// TransportConfig holds the connection settings of an SSETransport.
type TransportConfig struct {
	// BaseURL is the scheme and host of the server, relative endpoints are resolved against it.
	BaseURL string
	// SSEPath is the path of the event stream, relative to BaseURL.
	SSEPath string
	// MessagePath is the static message endpoint used when the server never announces one.
	// Leave empty to treat a missing endpoint event as a connect failure.
	MessagePath string

	APIKey     string
	AuthMethod AuthMethod

	// EndpointTimeout bounds the wait for the endpoint event after the stream is opened.
	EndpointTimeout time.Duration
}

// SSETransport implements ClientTransport over a server-sent events stream for inbound traffic and
// HTTP POST requests for outbound messages.
//
// Connect opens the stream and waits for the endpoint event that tells the transport where to POST
// requests. The events that follow are exposed through Events. The transport keeps no event buffer
// of its own: each event is handed to the consumer as it is read, and only the time of the last
// event is retained for CheckHealth.
//
// Instances should be created using NewSSETransport. A transport can be connected again after
// Close or after its stream is lost.
type SSETransport struct {
	config     TransportConfig
	httpClient *http.Client
	logger     *slog.Logger
	clock      clockwork.Clock
	watcher    StreamWatcher

	maxPayloadSize int
	livenessWindow time.Duration

	connectLock sync.Mutex

	lock      sync.Mutex
	stream    *sseStream
	session   Session
	lastEvent time.Time
}

// SSETransportOption represents the options for the SSETransport.
type SSETransportOption func(*SSETransport)

type sseStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan Event

	established atomic.Bool
	closeOnce   sync.Once

	closing chan struct{}
	done    chan struct{}
}

const (
	// AuthHeader sends the key in the X-API-Key header.
	AuthHeader AuthMethod = "header"
	// AuthBearer sends the key as a bearer token in the Authorization header.
	AuthBearer AuthMethod = "bearer"
	// AuthQuery sends the key in the api_key query parameter.
	AuthQuery AuthMethod = "query"
)

var (
	defaultEndpointTimeout = 10 * time.Second
	defaultLivenessWindow  = 60 * time.Second
)

// NewSSETransport creates a transport for the server described by config. The optional httpClient
// parameter allows custom HTTP client configuration - if nil, the default HTTP client is used. The
// transport is not connected until Connect is called.
func NewSSETransport(config TransportConfig, httpClient *http.Client, options ...SSETransportOption) *SSETransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &SSETransport{
		config:         config,
		httpClient:     cli,
		logger:         slog.Default(),
		clock:          clockwork.NewRealClock(),
		livenessWindow: defaultLivenessWindow,
	}
	for _, opt := range options {
		opt(t)
	}

	if t.config.EndpointTimeout == 0 {
		t.config.EndpointTimeout = defaultEndpointTimeout
	}
	if t.config.AuthMethod == "" {
		t.config.AuthMethod = AuthHeader
	}

	return t
}

// WithSSETransportLogger sets the logger of the transport.
func WithSSETransportLogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSETransportClock sets the clock used for liveness tracking and the endpoint wait.
func WithSSETransportClock(clock clockwork.Clock) SSETransportOption {
	return func(t *SSETransport) {
		t.clock = clock
	}
}

// WithSSETransportWatcher sets the watcher notified about stream events and failures.
func WithSSETransportWatcher(watcher StreamWatcher) SSETransportOption {
	return func(t *SSETransport) {
		t.watcher = watcher
	}
}

// WithSSETransportMaxPayloadSize sets the maximum size of a single event that can be received
// from the server. If an event exceeds this limit, the error will be logged and the stream will be
// considered lost.
func WithSSETransportMaxPayloadSize(size int) SSETransportOption {
	return func(t *SSETransport) {
		t.maxPayloadSize = size
	}
}

// WithSSETransportLivenessWindow sets how long the stream may stay silent before CheckHealth
// reports it unhealthy.
func WithSSETransportLivenessWindow(window time.Duration) SSETransportOption {
	return func(t *SSETransport) {
		t.livenessWindow = window
	}
}

// Connect opens the event stream and waits for the endpoint event.
//
// If the endpoint event does not arrive within the configured EndpointTimeout and a static
// MessagePath is configured, the connection is accepted with a Fallback session that posts to the
// static message URL. This is a best-effort compatibility behavior: the session has no identifier.
func (t *SSETransport) Connect(ctx context.Context) (Session, error) {
	t.connectLock.Lock()
	defer t.connectLock.Unlock()

	t.lock.Lock()
	current, sess := t.stream, t.session
	t.lock.Unlock()

	if current != nil {
		if !current.finished() {
			t.logger.Warn("already connected", slog.String("sessionID", sess.ID))
			return sess, nil
		}
		// The previous stream was lost, release it before dialing again.
		if err := t.Close(); err != nil {
			t.logger.Warn("failed to release lost stream", slog.String("err", err.Error()))
		}
	}

	sess, err := t.connect(ctx)
	if err != nil {
		t.logger.Error("failed to connect", slog.String("url", t.sseURL()), slog.String("err", err.Error()))
		if t.watcher != nil {
			t.watcher.OnStreamError(err)
		}
		return Session{}, err
	}

	t.logger.Info("connected", slog.String("sessionID", sess.ID), slog.String("endpoint", sess.MessageEndpoint))
	return sess, nil
}

// Events returns an iterator over the events of the current stream. Refer to
// ClientTransport.Events for the iteration contract.
func (t *SSETransport) Events(ctx context.Context) iter.Seq[Event] {
	t.lock.Lock()
	stream := t.stream
	t.lock.Unlock()

	return func(yield func(Event) bool) {
		if stream == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-stream.closing:
				return
			case <-stream.done:
				return
			case ev := <-stream.events:
				if !yield(ev) {
					return
				}
			}
		}
	}
}

// Send transmits a JSON-encoded message to the session's message endpoint through an HTTP POST
// request and returns the reply. The provided context allows request cancellation. Returns an
// error if the transport is not connected, the request fails, or the server responds with a
// non-2xx status code.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) (SendResult, error) {
	t.lock.Lock()
	connected, endpoint := t.stream != nil, t.session.MessageEndpoint
	t.lock.Unlock()

	if !connected {
		return SendResult{}, ErrNotConnected
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if t.maxPayloadSize > 0 {
		body = io.LimitReader(resp.Body, int64(t.maxPayloadSize))
	}
	bs, err := io.ReadAll(body)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	res := SendResult{StatusCode: resp.StatusCode, Body: bs}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(bs)))
	}

	return res, nil
}

// CheckHealth reports false when the transport is not connected, the stream has ended, or no event
// has arrived within the liveness window. It is meant for monitoring and is not consulted by the
// request path.
func (t *SSETransport) CheckHealth() bool {
	t.lock.Lock()
	stream, last := t.stream, t.lastEvent
	t.lock.Unlock()

	if stream == nil || stream.finished() {
		return false
	}

	since := t.clock.Since(last)
	if since > t.livenessWindow {
		t.logger.Warn("no events received within liveness window", slog.Duration("since", since))
		return false
	}
	return true
}

// TimeSinceLastEvent returns how long ago the last event was read. It reports false when nothing has
// been read yet.
func (t *SSETransport) TimeSinceLastEvent() (time.Duration, bool) {
	t.lock.Lock()
	last := t.lastEvent
	t.lock.Unlock()

	if last.IsZero() {
		return 0, false
	}
	return t.clock.Since(last), true
}

// Session returns the negotiated session, it reports false when the transport is not connected.
func (t *SSETransport) Session() (Session, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stream == nil {
		return Session{}, false
	}
	return t.session, true
}

// Close cancels the stream read, releases the socket and clears the session. Idle connections used
// for POST requests are closed too. Calling Close on a closed transport is a no-op.
func (t *SSETransport) Close() error {
	t.lock.Lock()
	stream := t.stream
	t.stream = nil
	t.session = Session{}
	t.lock.Unlock()

	if stream == nil {
		return nil
	}

	var errs error
	if err := stream.shutdown(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close event stream: %w", err))
	}
	<-stream.done
	t.httpClient.CloseIdleConnections()

	t.logger.Info("event stream closed")
	return errs
}

func (t *SSETransport) connect(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	// The stream outlives ctx, which only bounds the dial and the endpoint wait.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.sseURL(), nil)
	if err != nil {
		cancel()
		return Session{}, fmt.Errorf("%w: failed to create request: %w", ErrConnect, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.authorize(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return Session{}, fmt.Errorf("%w: failed to connect to SSE server: %w", ErrConnect, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return Session{}, fmt.Errorf("%w: unexpected status code: %d", ErrConnect, resp.StatusCode)
	}

	stream := &sseStream{
		body:    resp.Body,
		cancel:  cancel,
		events:  make(chan Event),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	t.lock.Lock()
	t.lastEvent = t.clock.Now()
	t.lock.Unlock()

	go t.readStream(stream)

	sess, err := t.awaitEndpoint(ctx, stream)
	if err == nil && !stop() {
		err = fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
	}
	if err != nil {
		_ = stream.shutdown()
		<-stream.done
		return Session{}, err
	}

	stream.established.Store(true)

	t.lock.Lock()
	t.stream = stream
	t.session = sess
	t.lock.Unlock()

	return sess, nil
}

func (t *SSETransport) awaitEndpoint(ctx context.Context, stream *sseStream) (Session, error) {
	timeout := t.clock.After(t.config.EndpointTimeout)

	for {
		select {
		case <-ctx.Done():
			return Session{}, fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
		case <-timeout:
			return t.fallbackSession()
		case <-stream.done:
			return Session{}, fmt.Errorf("%w: stream ended before endpoint event", ErrConnect)
		case ev := <-stream.events:
			if ev.Kind != EventEndpoint {
				t.logger.Debug("ignoring event before endpoint", slog.String("type", ev.Type))
				continue
			}
			endpoint, sessID, err := ParseEndpoint(ev.Data, t.config.BaseURL)
			if err != nil {
				return Session{}, fmt.Errorf("%w: %w", ErrConnect, err)
			}
			return Session{
				ID:              sessID,
				MessageEndpoint: endpoint,
				EstablishedAt:   t.clock.Now(),
			}, nil
		}
	}
}

func (t *SSETransport) fallbackSession() (Session, error) {
	if t.config.MessagePath == "" {
		return Session{}, fmt.Errorf("%w: no endpoint event within %s", ErrConnect, t.config.EndpointTimeout)
	}

	t.logger.Warn("connected but no endpoint event received, using static message endpoint",
		slog.String("endpoint", t.messageURL()))

	return Session{
		MessageEndpoint: t.messageURL(),
		EstablishedAt:   t.clock.Now(),
		Fallback:        true,
	}, nil
}

func (t *SSETransport) readStream(stream *sseStream) {
	defer func() {
		stream.body.Close()
		close(stream.done)
	}()

	var config *sse.ReadConfig
	if t.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: t.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(stream.body, config) {
		if err != nil {
			if !stream.isClosing() && !errors.Is(err, context.Canceled) {
				t.logger.Error("failed to read SSE message", "err", err)
				if t.watcher != nil && stream.established.Load() {
					t.watcher.OnStreamError(err)
				}
			}
			break
		}

		event := NewEvent(ev.Type, ev.Data, ev.LastEventID)

		t.lock.Lock()
		t.lastEvent = t.clock.Now()
		t.lock.Unlock()

		if t.watcher != nil && stream.established.Load() {
			t.watcher.OnEvent(event)
		}

		select {
		case stream.events <- event:
		case <-stream.closing:
			return
		}
	}

	if !stream.isClosing() && stream.established.Load() {
		t.logger.Warn("event stream lost")
		if t.watcher != nil {
			t.watcher.OnDisconnect()
		}
	}
}

func (t *SSETransport) authorize(req *http.Request) {
	if t.config.APIKey == "" {
		return
	}

	switch t.config.AuthMethod {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	case AuthQuery:
		q := req.URL.Query()
		q.Set("api_key", t.config.APIKey)
		req.URL.RawQuery = q.Encode()
	default:
		req.Header.Set("X-API-Key", t.config.APIKey)
	}
}

func (t *SSETransport) sseURL() string {
	return joinURL(t.config.BaseURL, t.config.SSEPath)
}

func (t *SSETransport) messageURL() string {
	return joinURL(t.config.BaseURL, t.config.MessagePath)
}

func (s *sseStream) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *sseStream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

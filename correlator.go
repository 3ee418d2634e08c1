package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ResponseCorrelator bridges the push-based event stream to pull-based request/response semantics.
//
// Run drains the events of one connection and deposits every decoded response into a first-in,
// first-out holding area. AwaitResponse takes responses from the holding area until it finds the one
// matching its request id. Responses that belong to other requests are set aside and put back in their
// original order before the waiter blocks, returns, or times out, so a response is never handed to
// the wrong waiter and is never lost because another waiter gave up. A response that arrives before
// anyone waits for it stays in the holding area until it is claimed or the correlator is closed.
type ResponseCorrelator struct {
	logger  *slog.Logger
	clock   clockwork.Clock
	metrics *Metrics

	lock    sync.Mutex
	queue   []JSONRPCMessage
	notify  chan struct{}
	waiting map[string]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// CorrelatorOption represents the options for the ResponseCorrelator.
type CorrelatorOption func(*ResponseCorrelator)

// NewResponseCorrelator creates an empty correlator.
func NewResponseCorrelator(options ...CorrelatorOption) *ResponseCorrelator {
	c := &ResponseCorrelator{
		logger:  slog.Default(),
		clock:   clockwork.NewRealClock(),
		notify:  make(chan struct{}),
		waiting: make(map[string]struct{}),
		closed:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithCorrelatorLogger sets the logger of the correlator.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *ResponseCorrelator) {
		c.logger = logger
	}
}

// WithCorrelatorClock sets the clock used for response deadlines.
func WithCorrelatorClock(clock clockwork.Clock) CorrelatorOption {
	return func(c *ResponseCorrelator) {
		c.clock = clock
	}
}

// WithCorrelatorMetrics sets the metrics the correlator reports decode failures and pending
// responses to.
func WithCorrelatorMetrics(metrics *Metrics) CorrelatorOption {
	return func(c *ResponseCorrelator) {
		c.metrics = metrics
	}
}

// Run drains events until the sequence ends or ctx is cancelled. Endpoint and heartbeat events are
// skipped. Message data that is not valid JSON-RPC is logged and dropped without stopping the loop.
// Requests and notifications initiated by the server are logged and skipped, only responses reach
// the holding area.
func (c *ResponseCorrelator) Run(ctx context.Context, events iter.Seq[Event]) {
	for ev := range events {
		if ctx.Err() != nil {
			return
		}

		switch ev.Kind {
		case EventEndpoint, EventHeartbeat:
			continue
		}
		if strings.TrimSpace(ev.Data) == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			c.logger.Warn("failed to decode message event",
				slog.String("type", ev.Type), slog.String("err", err.Error()))
			c.metrics.decodeFailure()
			continue
		}
		if !msg.isResponse() {
			c.logger.Debug("skipping server-initiated message", slog.String("method", msg.Method))
			continue
		}

		c.Deliver(msg)
	}
}

// Deliver appends msg to the holding area and wakes the waiters. Messages delivered after Close are
// dropped.
func (c *ResponseCorrelator) Deliver(msg JSONRPCMessage) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.isClosed() {
		return
	}

	c.queue = append(c.queue, msg)
	c.metrics.setPending(len(c.queue))

	close(c.notify)
	c.notify = make(chan struct{})
}

// AwaitResponse blocks until the response for id is available, timeout elapses, ctx is cancelled, or
// the correlator is closed. The deadline is measured from the start of the call and checked on every
// iteration. It returns an error wrapping ErrTimeout on timeout, ErrNotConnected when the correlator
// is closed, and ErrDuplicateWait when another caller is already waiting for id.
func (c *ResponseCorrelator) AwaitResponse(ctx context.Context, id RequestID, timeout time.Duration) (
	JSONRPCMessage, error,
) {
	key := id.String()

	c.lock.Lock()
	if c.isClosed() {
		c.lock.Unlock()
		return JSONRPCMessage{}, ErrNotConnected
	}
	if _, ok := c.waiting[key]; ok {
		c.lock.Unlock()
		return JSONRPCMessage{}, fmt.Errorf("%w: %s", ErrDuplicateWait, key)
	}
	c.waiting[key] = struct{}{}
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		delete(c.waiting, key)
		c.lock.Unlock()
	}()

	deadline := c.clock.Now().Add(timeout)

	for {
		c.lock.Lock()
		var setAside []JSONRPCMessage
		for {
			msg, ok := c.take()
			if !ok {
				break
			}
			if msg.ID != nil && msg.ID.Equal(id) {
				c.requeue(setAside)
				c.lock.Unlock()
				return msg, nil
			}
			setAside = append(setAside, msg)
		}
		c.requeue(setAside)
		notify := c.notify
		c.lock.Unlock()

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return JSONRPCMessage{}, fmt.Errorf("%w: request %s after %s", ErrTimeout, key, timeout)
		}

		timer := c.clock.NewTimer(remaining)
		select {
		case <-notify:
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return JSONRPCMessage{}, fmt.Errorf("failed to await response %s: %w", key, ctx.Err())
		case <-c.closed:
			timer.Stop()
			return JSONRPCMessage{}, fmt.Errorf("failed to await response %s: %w", key, ErrNotConnected)
		}
		timer.Stop()
	}
}

// Pending returns the number of responses in the holding area.
func (c *ResponseCorrelator) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.queue)
}

// Close wakes all waiters with ErrNotConnected and discards the holding area.
func (c *ResponseCorrelator) Close() {
	c.closeOnce.Do(func() {
		c.lock.Lock()
		defer c.lock.Unlock()

		close(c.closed)
		if len(c.queue) > 0 {
			c.logger.Debug("discarding unclaimed responses", slog.Int("count", len(c.queue)))
		}
		c.queue = nil
		c.metrics.setPending(0)
	})
}

// take removes the oldest response, the caller must hold the lock.
func (c *ResponseCorrelator) take() (JSONRPCMessage, bool) {
	if len(c.queue) == 0 {
		return JSONRPCMessage{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

// requeue puts set-aside responses back at the front in their original order, the caller must hold
// the lock. Waiters are not woken since nothing new arrived.
func (c *ResponseCorrelator) requeue(msgs []JSONRPCMessage) {
	if len(msgs) > 0 {
		c.queue = append(msgs, c.queue...)
	}
	c.metrics.setPending(len(c.queue))
}

func (c *ResponseCorrelator) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

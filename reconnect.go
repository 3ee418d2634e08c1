package mcp

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

// ReconnectPolicy bounds the attempts of a Reconnector. The delay before the first retry is
// BaseDelay, each following delay is the previous one times Multiplier, capped at MaxDelay.
type ReconnectPolicy struct {
	// MaxAttempts is the total number of connect attempts, the first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Reconnector wraps the Connect of a ClientTransport with bounded exponential backoff, and offers an
// event stream that reconnects whenever the underlying stream breaks. Sessions are not resumable:
// after a reconnect the stream starts from scratch and events sent in between are lost.
type Reconnector struct {
	transport ClientTransport
	policy    ReconnectPolicy
	logger    *slog.Logger
	clock     clockwork.Clock
	metrics   *Metrics

	attempts   atomic.Int64
	reconnects atomic.Int64
}

// ReconnectorOption represents the options for the Reconnector.
type ReconnectorOption func(*Reconnector)

// DefaultReconnectPolicy makes one attempt plus five retries, waiting 1s, 2s, 4s, 8s and 16s.
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxAttempts: 6,
	BaseDelay:   time.Second,
	MaxDelay:    time.Minute,
	Multiplier:  2,
}

// NewReconnector creates a Reconnector for transport. Zero fields of policy take their value from
// DefaultReconnectPolicy.
func NewReconnector(transport ClientTransport, policy ReconnectPolicy, options ...ReconnectorOption) *Reconnector {
	r := &Reconnector{
		transport: transport,
		policy:    policy.withDefaults(),
		logger:    slog.Default(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithReconnectorLogger sets the logger of the reconnector.
func WithReconnectorLogger(logger *slog.Logger) ReconnectorOption {
	return func(r *Reconnector) {
		r.logger = logger
	}
}

// WithReconnectorClock sets the clock used to sleep between attempts.
func WithReconnectorClock(clock clockwork.Clock) ReconnectorOption {
	return func(r *Reconnector) {
		r.clock = clock
	}
}

// WithReconnectorMetrics sets the metrics reconnection attempts are counted in.
func WithReconnectorMetrics(metrics *Metrics) ReconnectorOption {
	return func(r *Reconnector) {
		r.metrics = metrics
	}
}

// Delays returns the first n delays the policy waits between attempts.
func (p ReconnectPolicy) Delays(n int) []time.Duration {
	b := p.withDefaults().backOff()
	delays := make([]time.Duration, 0, n)
	for range n {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

// Connect connects the transport, retrying failed attempts with backoff until the policy's attempts
// are exhausted. The returned error wraps ErrConnect and the error of the last attempt. Cancelling
// ctx stops the retries.
func (r *Reconnector) Connect(ctx context.Context) (Session, error) {
	b := r.policy.backOff()

	var lastErr error
	for attempt := range r.policy.MaxAttempts {
		if attempt > 0 {
			delay := b.NextBackOff()
			r.reconnects.Add(1)
			r.metrics.reconnectAttempt()
			r.logger.Info("reconnection attempt",
				slog.Int("attempt", attempt),
				slog.Int("maxRetries", r.policy.MaxAttempts-1),
				slog.Duration("delay", delay))

			if err := r.sleep(ctx, delay); err != nil {
				return Session{}, fmt.Errorf("%w: %w", ErrConnect, err)
			}
		}

		r.attempts.Add(1)
		sess, err := r.transport.Connect(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("reconnected", slog.Int("attempts", attempt))
			}
			return sess, nil
		}
		lastErr = err
	}

	r.logger.Error("failed to connect", slog.Int("attempts", r.policy.MaxAttempts))
	return Session{}, fmt.Errorf("%w: gave up after %d attempts: %w", ErrConnect, r.policy.MaxAttempts, lastErr)
}

// Listen returns an iterator over the transport's events that survives stream failures. Whenever the
// stream ends while ctx is still live, the transport is closed and connected again through Connect.
// When reconnection gives up, the error is yielded once and the iteration ends. Cancelling ctx ends
// the iteration without an error.
func (r *Reconnector) Listen(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			if _, err := r.Connect(ctx); err != nil {
				if ctx.Err() == nil {
					yield(Event{}, err)
				}
				return
			}

			for ev := range r.transport.Events(ctx) {
				if !yield(ev, nil) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}

			r.logger.Warn("connection lost, reconnecting")
			if err := r.transport.Close(); err != nil {
				r.logger.Warn("failed to close transport", slog.String("err", err.Error()))
			}
		}
	}
}

// Attempts returns the number of connect attempts made so far, first attempts included.
func (r *Reconnector) Attempts() int {
	return int(r.attempts.Load())
}

// Reconnects returns the number of retries made after a failed attempt.
func (r *Reconnector) Reconnects() int {
	return int(r.reconnects.Load())
}

func (r *Reconnector) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultReconnectPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultReconnectPolicy.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultReconnectPolicy.Multiplier
	}
	return p
}

func (p ReconnectPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     min(p.BaseDelay, p.MaxDelay),
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Package retry consolidates the backoff math previously duplicated across
// the upload, chat and transport paths into one engine. It decides whether
// and how long to wait before retrying a classified failure, and tracks
// per-operation retry state for observability.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"docuchat/pkg/errclass"
)

// Policy holds the backoff parameters.
type Policy struct {
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MinDelay      time.Duration // floor applied after jitter, regardless of sign
	MaxAttempts   int
	JitterFrac    float64 // ±fraction of the computed delay, uniform
}

// DefaultPolicy returns the production defaults: 1s base, factor 2, 30s cap,
// 100ms floor, 3 attempts, ±10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     1000 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
		MinDelay:      100 * time.Millisecond,
		MaxAttempts:   3,
		JitterFrac:    0.10,
	}
}

// Backoff computes the capped exponential delay for an attempt (1-based),
// before jitter: min(base * factor^(attempt-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffFactor
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay computes the wait before the next try. A server-specified retry-after
// duration is honored exactly: no jitter and no cap, the server knows its own
// load better than our policy does. Otherwise jitter of ±JitterFrac is added
// after the cap, and the result never drops below MinDelay.
func (p Policy) Delay(attempt int, c *errclass.Classified) time.Duration {
	if c != nil && c.RetryAfter > 0 {
		return c.RetryAfter
	}

	d := float64(p.Backoff(attempt))
	if p.JitterFrac > 0 {
		d += d * p.JitterFrac * (2*rand.Float64() - 1)
	}
	if d < float64(p.MinDelay) {
		return p.MinDelay
	}
	return time.Duration(d)
}

// Classifier decides whether a classified failure is eligible for another
// try. The default allows retry while attempt < MaxAttempts and the kind is
// flagged retryable; callers may supply a stricter one.
type Classifier func(attempt int, c *errclass.Classified) bool

// TransportClassifier retries only network, timeout, rate_limit and server
// kinds, the set the transport layer is allowed to reconnect on.
func TransportClassifier(attempt int, c *errclass.Classified) bool {
	switch c.Kind {
	case errclass.KindNetwork, errclass.KindTimeout, errclass.KindRateLimit, errclass.KindServer:
		return true
	}
	return false
}

// State is the observable retry state of one tracked operation. Attempt
// starts at 1 and increases by exactly 1 per failed try.
type State struct {
	OperationID string
	Attempt     int
	LastError   error
	NextRetryAt time.Time
	IsRetrying  bool
}

// Engine tracks retry state per operation id. State is created on first
// failure and cleared on success or exhaustion, never leaked across
// unrelated operations.
type Engine struct {
	policy     Policy
	classifier Classifier
	log        *logrus.Logger

	mu     sync.Mutex
	states map[string]*State
}

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier overrides the default eligibility classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithLogger overrides the default logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine with the given policy.
func NewEngine(policy Policy, opts ...Option) *Engine {
	e := &Engine{
		policy: policy,
		log:    logrus.StandardLogger(),
		states: make(map[string]*State),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.classifier == nil {
		e.classifier = func(attempt int, c *errclass.Classified) bool {
			return c.Kind.Retryable()
		}
	}
	return e
}

// Policy returns the engine's backoff policy.
func (e *Engine) Policy() Policy { return e.policy }

// RecordFailure registers a failed try for the operation. It returns the
// updated state, the delay to wait before the next try, and whether a retry
// is allowed. When the attempt ceiling is reached or the error is not
// eligible, the state is cleared and retry is false — the error is surfaced
// to the caller, never silently dropped.
func (e *Engine) RecordFailure(operationID string, err error) (State, time.Duration, bool) {
	c := errclass.Classify(err)

	e.mu.Lock()
	st, ok := e.states[operationID]
	if !ok {
		st = &State{OperationID: operationID}
		e.states[operationID] = st
	}
	st.Attempt++
	st.LastError = c

	if st.Attempt >= e.policy.MaxAttempts || !e.classifier(st.Attempt, c) {
		out := *st
		out.IsRetrying = false
		delete(e.states, operationID)
		e.mu.Unlock()
		e.log.WithFields(logrus.Fields{
			"operation": operationID,
			"attempt":   out.Attempt,
			"kind":      c.Kind,
		}).Warn("retries exhausted, surfacing error")
		return out, 0, false
	}

	delay := e.policy.Delay(st.Attempt, c)
	st.NextRetryAt = time.Now().Add(delay)
	st.IsRetrying = true
	out := *st
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"operation": operationID,
		"attempt":   out.Attempt,
		"kind":      c.Kind,
		"delay":     delay,
	}).Debug("retry scheduled")
	return out, delay, true
}

// RecordSuccess clears any tracked state for the operation.
func (e *Engine) RecordSuccess(operationID string) {
	e.mu.Lock()
	delete(e.states, operationID)
	e.mu.Unlock()
}

// State returns a copy of the current retry state for an operation, if any.
func (e *Engine) State(operationID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[operationID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Do runs fn, retrying eligible failures with backoff until success,
// exhaustion, or context cancellation. The last classified error is returned
// on failure.
func (e *Engine) Do(ctx context.Context, operationID string, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			e.RecordSuccess(operationID)
			return nil
		}

		_, delay, ok := e.RecordFailure(operationID, err)
		if !ok {
			return errclass.Classify(err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.RecordSuccess(operationID) // clear state, caller cancelled
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Package errclass defines the closed error taxonomy shared by the transport
// and retry layers. Every failure is mapped onto one Kind, and the Kind alone
// drives retry and display decisions.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is one of the six taxonomy categories.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindProcessing Kind = "processing"
)

// Retryable reports whether the kind is flagged retryable in the taxonomy.
// Validation errors are never retryable. Callers that want a stricter policy
// (e.g. only network/timeout) supply their own classifier on top of this.
func (k Kind) Retryable() bool {
	return k != KindValidation
}

// Severity returns the user-visible severity tier for the kind.
func (k Kind) Severity() string {
	switch k {
	case KindRateLimit:
		return "info"
	case KindNetwork, KindTimeout:
		return "warning"
	default:
		return "error"
	}
}

// Suggestions returns structured recovery suggestions for the kind.
func (k Kind) Suggestions() []string {
	switch k {
	case KindNetwork:
		return []string{"Check your network connection", "Retry the request"}
	case KindTimeout:
		return []string{"Retry the request", "Reduce the request size"}
	case KindValidation:
		return []string{"Correct the highlighted input and resubmit"}
	case KindRateLimit:
		return []string{"Wait for the indicated period before retrying"}
	default:
		return []string{"Retry the request", "Contact support if the problem persists"}
	}
}

// Classified wraps an error with its taxonomy kind and, for rate limits, the
// server-specified retry-after duration.
type Classified struct {
	Kind       Kind
	Err        error
	StatusCode int           // originating HTTP status, 0 if none
	RetryAfter time.Duration // server override for the backoff delay, 0 if none
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s: %v", c.Kind, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// New wraps err with an explicit kind.
func New(kind Kind, err error) *Classified {
	return &Classified{Kind: kind, Err: err}
}

// Validation builds a never-retryable validation error.
func Validation(format string, args ...interface{}) *Classified {
	return &Classified{Kind: KindValidation, Err: fmt.Errorf(format, args...), StatusCode: 400}
}

// RateLimit builds a retryable rate-limit error honoring retryAfter.
func RateLimit(err error, retryAfter time.Duration) *Classified {
	return &Classified{Kind: KindRateLimit, Err: err, StatusCode: 429, RetryAfter: retryAfter}
}

// Classify maps an arbitrary error onto the taxonomy. An error already
// carrying a classification passes through unchanged. Absence of connectivity
// maps to network, explicit timeout signals to timeout, everything else to
// processing.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	var c *Classified
	if errors.As(err, &c) {
		return c
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Classified{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Classified{Kind: KindTimeout, Err: err}
		}
		return &Classified{Kind: KindNetwork, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Classified{Kind: KindNetwork, Err: err}
	}

	return &Classified{Kind: KindProcessing, Err: err}
}

// FromStatus classifies an HTTP failure status. retryAfter carries the parsed
// Retry-After header value (0 if absent).
func FromStatus(status int, retryAfter time.Duration, err error) *Classified {
	c := &Classified{Err: err, StatusCode: status, RetryAfter: retryAfter}
	switch {
	case status == 429, status == 503 && retryAfter > 0:
		c.Kind = KindRateLimit
	case status == 408, status == 504:
		c.Kind = KindTimeout
	case status >= 500:
		c.Kind = KindServer
	case status >= 400:
		c.Kind = KindValidation
	default:
		c.Kind = KindProcessing
	}
	return c
}

package resilience

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// maxBackoff caps the exponential growth of any single retry delay.
const maxBackoff = 30 * time.Second

// RetryPolicy governs re-dispatch of failed attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// Base is the first retry delay.
	Base time.Duration

	// Multiplier grows the delay for each subsequent retry.
	Multiplier float64
}

// Backoff returns the delay to wait after the given failed attempt
// (1-based). Half the exponential delay is kept fixed and half is
// jittered so concurrent retries spread out instead of colliding.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// RetryableStatus reports whether an upstream status code indicates a
// transient condition worth re-dispatching.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// RetryableError reports whether a dispatch error indicates a
// transient condition worth re-dispatching. Caller cancellation is
// never retryable.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// timeoutError reports whether the dispatch failure was a timeout
// rather than a connection-level fault.
func timeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package resilience wraps upstream dispatch in a bulkhead, a circuit
// breaker, and a retry loop, in that order. The bulkhead bounds
// concurrency per upstream, the breaker sheds load from a failing
// upstream, and the retry loop re-dispatches transient failures for
// idempotent requests within the caller's deadline.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// respDrainLimit bounds how much of a discarded response body is read
// before closing, to keep the upstream connection reusable.
const respDrainLimit = 64 << 10

// UpstreamError is the terminal failure of an exhausted dispatch.
type UpstreamError struct {
	// Upstream names the dispatch target.
	Upstream string

	// Timeout is true when the last attempt timed out rather than
	// failing at the connection or protocol level.
	Timeout bool

	// LastStatus is the last 5xx the upstream answered with, zero
	// when the failure never produced a response.
	LastStatus int

	// Err is the last attempt's error, nil for status failures.
	Err error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("upstream %s: timed out", e.Upstream)
	case e.LastStatus != 0:
		return fmt.Sprintf("upstream %s: status %d", e.Upstream, e.LastStatus)
	default:
		return fmt.Sprintf("upstream %s: %v", e.Upstream, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// AttemptFunc performs one dispatch attempt. The passed context
// carries the per-attempt timeout and stays live until the returned
// response body is closed.
type AttemptFunc func(ctx context.Context) (*http.Response, error)

// Envelope applies one upstream's resilience policy to dispatches.
type Envelope struct {
	upstream       string
	bulkhead       *Bulkhead
	breaker        *Breaker
	retry          RetryPolicy
	attemptTimeout time.Duration
}

// NewEnvelope composes the resilience stages for one upstream.
// attemptTimeout bounds each individual attempt; zero leaves attempts
// bounded only by the caller's context.
func NewEnvelope(upstream string, bulkhead *Bulkhead, breaker *Breaker, retry RetryPolicy, attemptTimeout time.Duration) *Envelope {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Envelope{
		upstream:       upstream,
		bulkhead:       bulkhead,
		breaker:        breaker,
		retry:          retry,
		attemptTimeout: attemptTimeout,
	}
}

// Breaker exposes the envelope's circuit breaker for diagnostics.
func (e *Envelope) Breaker() *Breaker {
	return e.breaker
}

// Bulkhead exposes the envelope's bulkhead for diagnostics.
func (e *Envelope) Bulkhead() *Bulkhead {
	return e.bulkhead
}

// Execute dispatches through the bulkhead, breaker, and retry loop.
// Non-idempotent requests get exactly one attempt. On success the
// caller owns the response; closing its body releases the bulkhead
// permit, so the permit covers streaming.
//
// Terminal failures are ErrBulkheadFull, ErrCircuitOpen, the caller's
// own ctx.Err() on cancellation, or an *UpstreamError.
func (e *Envelope) Execute(ctx context.Context, idempotent bool, attempt AttemptFunc) (*http.Response, error) {
	if err := e.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			e.bulkhead.Release()
		}
	}()

	var (
		lastErr    error
		lastStatus int
	)

	for attemptNo := 1; ; attemptNo++ {
		gen, err := e.breaker.Allow()
		if err != nil {
			if attemptNo == 1 {
				return nil, err
			}
			// The breaker opened under our own retries; surface
			// the upstream failure, not the open circuit.
			return nil, e.terminal(lastStatus, lastErr)
		}

		attemptCtx, cancel := e.attemptContext(ctx)
		resp, err := attempt(attemptCtx)

		if err != nil {
			cancel()
			e.breaker.Record(gen, false)
			if ctx.Err() != nil {
				return nil, e.callerDone(ctx, err)
			}
			lastErr = err
			lastStatus = 0
			if !idempotent || !RetryableError(err) || attemptNo >= e.retry.MaxAttempts {
				return nil, e.terminal(0, err)
			}
		} else if RetryableStatus(resp.StatusCode) {
			e.breaker.Record(gen, false)
			drain(resp.Body)
			cancel()
			lastStatus = resp.StatusCode
			lastErr = nil
			if !idempotent || attemptNo >= e.retry.MaxAttempts {
				return nil, e.terminal(resp.StatusCode, nil)
			}
		} else {
			e.breaker.Record(gen, resp.StatusCode < 500)
			handedOff = true
			resp.Body = &handoffBody{
				ReadCloser: resp.Body,
				done: func() {
					cancel()
					e.bulkhead.Release()
				},
			}
			return resp, nil
		}

		if err := e.waitBackoff(ctx, attemptNo, lastStatus, lastErr); err != nil {
			return nil, err
		}
	}
}

// waitBackoff sleeps the post-attempt delay. When the remaining
// deadline cannot cover the delay it bails out early, surfacing the
// failure the retry was meant to paper over.
func (e *Envelope) waitBackoff(ctx context.Context, attemptNo, lastStatus int, lastErr error) error {
	d := e.retry.Backoff(attemptNo)
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(d).After(deadline) {
		return e.terminal(lastStatus, lastErr)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return e.callerDone(ctx, lastErr)
	case <-timer.C:
		return nil
	}
}

// callerDone maps the caller's ended context: an expired deadline is
// an upstream timeout, an explicit cancel propagates untouched.
func (e *Envelope) callerDone(ctx context.Context, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &UpstreamError{Upstream: e.upstream, Timeout: true, Err: last}
	}
	return ctx.Err()
}

// terminal wraps the last observed failure as an *UpstreamError.
func (e *Envelope) terminal(status int, err error) error {
	return &UpstreamError{
		Upstream:   e.upstream,
		Timeout:    err != nil && timeoutError(err),
		LastStatus: status,
		Err:        err,
	}
}

func (e *Envelope) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.attemptTimeout > 0 {
		return context.WithTimeout(ctx, e.attemptTimeout)
	}
	return context.WithCancel(ctx)
}

// drain consumes a bounded amount of a discarded body and closes it.
func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, respDrainLimit))
	body.Close()
}

// handoffBody releases per-dispatch resources once the streamed
// response body is closed.
type handoffBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (b *handoffBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.done)
	return err
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicy_BackoffGrowth(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Second, Multiplier: 2}

	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 500 * time.Millisecond, time.Second},
		{2, time.Second, 2 * time.Second},
		{3, 2 * time.Second, 4 * time.Second},
		{0, 500 * time.Millisecond, time.Second}, // clamped to the first attempt
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := p.Backoff(tt.attempt)
			if d < tt.min || d >= tt.max {
				t.Fatalf("Backoff(%d) = %v, want in [%v, %v)", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

func TestRetryPolicy_BackoffCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, Base: time.Second, Multiplier: 10}

	for i := 0; i < 20; i++ {
		d := p.Backoff(6)
		if d > maxBackoff {
			t.Fatalf("Backoff(6) = %v, want <= %v", d, maxBackoff)
		}
		if d < maxBackoff/2 {
			t.Fatalf("Backoff(6) = %v, want >= %v", d, maxBackoff/2)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusOK, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, false},
		{http.StatusNotImplemented, false},
	}
	for _, tt := range tests {
		if got := RetryableStatus(tt.status); got != tt.want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// fakeTimeout satisfies net.Error with a timeout condition.
type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"caller cancellation", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", fakeTimeout{}, true},
		{"dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"wrapped dial failure", fmt.Errorf("round trip: %w", &net.OpError{Op: "read", Err: errors.New("reset")}), true},
		{"truncated response", io.ErrUnexpectedEOF, true},
		{"closed connection", io.EOF, true},
		{"opaque failure", errors.New("tls: bad certificate"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryableError(tt.err); got != tt.want {
				t.Errorf("RetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTimeoutError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", fakeTimeout{}, true},
		{"dial failure", &net.OpError{Op: "dial", Err: errors.New("refused")}, false},
		{"cancellation", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := timeoutError(tt.err); got != tt.want {
				t.Errorf("timeoutError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

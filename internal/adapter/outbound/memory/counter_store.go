// Package memory provides in-memory implementations of outbound
// ports, for single-replica deployments and tests.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain/ratelimit"
)

// DefaultCleanupInterval is how often expired buckets are removed.
const DefaultCleanupInterval = 5 * time.Minute

type bucket struct {
	count        int64
	burst        int64
	windowExpiry time.Time
	burstExpiry  time.Time
}

// CounterStore implements ratelimit.Store with an in-process map.
// Thread-safe for concurrent access. Counters are not shared across
// replicas; use the Redis store for multi-replica deployments.
// Background cleanup removes expired buckets periodically.
type CounterStore struct {
	buckets         map[string]*bucket
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once // Prevent double-close panic on Stop()
	cleanupInterval time.Duration
	now             func() time.Time
}

// NewCounterStore creates an in-memory counter store with the default
// cleanup interval.
func NewCounterStore() *CounterStore {
	return NewCounterStoreWithConfig(DefaultCleanupInterval)
}

// NewCounterStoreWithConfig creates an in-memory counter store with a
// custom cleanup interval.
func NewCounterStoreWithConfig(cleanupInterval time.Duration) *CounterStore {
	return &CounterStore{
		buckets:         make(map[string]*bucket),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
	}
}

// Take performs the atomic two-counter check-and-increment under one
// lock, matching the scripted Redis semantics.
func (s *CounterStore) Take(_ context.Context, key string, window time.Duration, limit, burstLimit int) (ratelimit.TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	if !b.windowExpiry.After(now) {
		b.count = 0
		b.windowExpiry = time.Time{}
	}
	if !b.burstExpiry.After(now) {
		b.burst = 0
		b.burstExpiry = time.Time{}
	}

	if b.count >= int64(limit) || b.burst >= int64(burstLimit) {
		return ratelimit.TakeResult{
			Allowed:   false,
			Count:     b.count,
			Burst:     b.burst,
			WindowTTL: ttlUntil(b.windowExpiry, now),
			BurstTTL:  ttlUntil(b.burstExpiry, now),
		}, nil
	}

	b.count++
	if b.count == 1 {
		b.windowExpiry = now.Add(window)
	}
	b.burst++
	if b.burst == 1 {
		b.burstExpiry = now.Add(ratelimit.BurstWindow)
	}

	return ratelimit.TakeResult{
		Allowed:   true,
		Count:     b.count,
		Burst:     b.burst,
		WindowTTL: ttlUntil(b.windowExpiry, now),
		BurstTTL:  ttlUntil(b.burstExpiry, now),
	}, nil
}

// Peek reads counters without consuming. Expired windows report zero.
func (s *CounterStore) Peek(_ context.Context, key string) (ratelimit.BucketView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := ratelimit.BucketView{Key: key}
	b, ok := s.buckets[key]
	if !ok {
		return view, nil
	}

	now := s.now()
	if b.windowExpiry.After(now) {
		view.Count = b.count
		view.WindowTTL = b.windowExpiry.Sub(now)
	}
	if b.burstExpiry.After(now) {
		view.Burst = b.burst
		view.BurstTTL = b.burstExpiry.Sub(now)
	}
	return view, nil
}

// StartCleanup starts the background cleanup goroutine.
// Call Stop() to stop it gracefully.
func (s *CounterStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup removes buckets whose counters have all expired.
func (s *CounterStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, b := range s.buckets {
		if !b.windowExpiry.After(now) && !b.burstExpiry.After(now) {
			delete(s.buckets, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate-limit bucket cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(s.buckets))
	}
}

// Stop stops the background cleanup goroutine and waits for it to
// exit. Safe to call multiple times.
func (s *CounterStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked buckets.
func (s *CounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func ttlUntil(expiry, now time.Time) time.Duration {
	if !expiry.After(now) {
		return 0
	}
	return expiry.Sub(now)
}

// Compile-time interface verification.
var _ ratelimit.Store = (*CounterStore)(nil)

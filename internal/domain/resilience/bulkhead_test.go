package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestBulkhead_LimitsConcurrency(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "api-backend", MaxConcurrent: 2})
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() #1 = %v, want nil", err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() #2 = %v, want nil", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("Acquire() at capacity = %v, want ErrBulkheadFull", err)
	}
	if got := b.InFlight(); got != 2 {
		t.Errorf("InFlight() = %d, want 2", got)
	}

	b.Release()
	if err := b.Acquire(ctx); err != nil {
		t.Errorf("Acquire() after release = %v, want nil", err)
	}
}

func TestBulkhead_WaiterGetsFreedPermit(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBulkhead(BulkheadConfig{Name: "api-backend", MaxConcurrent: 1, MaxWait: 2 * time.Second})
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() = %v, want nil", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- b.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Errorf("waiter Acquire() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the freed permit")
	}
	b.Release()
}

func TestBulkhead_TimedOutWaiterLeaksNoPermit(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "api-backend", MaxConcurrent: 1, MaxWait: 20 * time.Millisecond})
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() = %v, want nil", err)
	}
	if err := b.Acquire(ctx); !errors.Is(err, ErrBulkheadFull) {
		t.Fatalf("Acquire() while saturated = %v, want ErrBulkheadFull", err)
	}
	if got := b.InFlight(); got != 1 {
		t.Errorf("InFlight() after timeout = %d, want 1", got)
	}

	// The timed-out waiter must not have consumed the permit.
	b.Release()
	if err := b.Acquire(ctx); err != nil {
		t.Errorf("Acquire() after release = %v, want nil", err)
	}
}

func TestBulkhead_CallerCancellationPropagates(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBulkhead(BulkheadConfig{Name: "api-backend", MaxConcurrent: 1, MaxWait: 5 * time.Second})
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Acquire(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire() after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire never returned after cancellation")
	}
	b.Release()
}

func TestBulkhead_ImmediateRejectWithoutWait(t *testing.T) {
	var rejected atomic.Int64
	b := NewBulkhead(BulkheadConfig{
		Name:          "api-backend",
		MaxConcurrent: 1,
		OnReject:      func(string) { rejected.Add(1) },
	})
	ctx := context.Background()

	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() = %v, want nil", err)
	}

	start := time.Now()
	if err := b.Acquire(ctx); !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("Acquire() = %v, want ErrBulkheadFull", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("zero-wait rejection took %v", elapsed)
	}
	if got := rejected.Load(); got != 1 {
		t.Errorf("rejected observer count = %d, want 1", got)
	}
}

func TestBulkhead_ObserversSeeDepth(t *testing.T) {
	var (
		mu     sync.Mutex
		depths []int64
	)
	b := NewBulkhead(BulkheadConfig{
		Name:          "api-backend",
		MaxConcurrent: 2,
		OnDepthChange: func(_ string, inFlight int64) {
			mu.Lock()
			defer mu.Unlock()
			depths = append(depths, inFlight)
		},
	})
	ctx := context.Background()

	b.Acquire(ctx)
	b.Acquire(ctx)
	b.Release()
	b.Release()

	mu.Lock()
	defer mu.Unlock()
	want := []int64{1, 2, 1, 0}
	if len(depths) != len(want) {
		t.Fatalf("depth observations = %v, want %v", depths, want)
	}
	for i := range want {
		if depths[i] != want[i] {
			t.Errorf("depths[%d] = %d, want %d", i, depths[i], want[i])
		}
	}
}

func TestBulkhead_InFlightNeverExceedsMax(t *testing.T) {
	defer goleak.VerifyNone(t)

	const maxConcurrent = 3
	var maxSeen atomic.Int64
	b := NewBulkhead(BulkheadConfig{
		Name:          "api-backend",
		MaxConcurrent: maxConcurrent,
		MaxWait:       50 * time.Millisecond,
		OnDepthChange: func(_ string, inFlight int64) {
			for {
				seen := maxSeen.Load()
				if inFlight <= seen || maxSeen.CompareAndSwap(seen, inFlight) {
					return
				}
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := b.Acquire(context.Background()); err != nil {
					continue
				}
				time.Sleep(time.Millisecond)
				b.Release()
			}
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got > maxConcurrent {
		t.Errorf("max observed in-flight = %d, want <= %d", got, maxConcurrent)
	}
	if got := b.InFlight(); got != 0 {
		t.Errorf("InFlight() after drain = %d, want 0", got)
	}
}

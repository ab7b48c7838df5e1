package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBulkheadFull is returned when no permit frees up within the
// configured wait budget.
var ErrBulkheadFull = errors.New("bulkhead at capacity")

// BulkheadConfig parameterizes one bulkhead.
type BulkheadConfig struct {
	// Name labels the upstream this bulkhead guards.
	Name string

	// MaxConcurrent caps in-flight calls to the upstream.
	MaxConcurrent int64

	// MaxWait bounds how long a caller queues for a permit.
	// Zero means reject immediately when saturated.
	MaxWait time.Duration

	// OnDepthChange, when set, receives the in-flight count after
	// every acquire and release.
	OnDepthChange func(name string, inFlight int64)

	// OnReject, when set, is called for every rejected acquisition.
	OnReject func(name string)
}

// Bulkhead bounds concurrent calls to one upstream. Waiters queue in
// FIFO order; a waiter that gives up never holds a permit.
type Bulkhead struct {
	cfg      BulkheadConfig
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewBulkhead creates an empty bulkhead.
func NewBulkhead(cfg BulkheadConfig) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Bulkhead{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Name returns the guarded upstream's name.
func (b *Bulkhead) Name() string {
	return b.cfg.Name
}

// Acquire obtains a permit, waiting up to MaxWait. It returns
// ErrBulkheadFull when the wait budget is exhausted and ctx.Err()
// when the caller's context ends first. Every successful acquire
// must be paired with Release.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	if b.cfg.MaxWait <= 0 {
		if !b.sem.TryAcquire(1) {
			b.reject()
			return ErrBulkheadFull
		}
		b.depthChanged(b.inFlight.Add(1))
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.MaxWait)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.reject()
		return ErrBulkheadFull
	}
	b.depthChanged(b.inFlight.Add(1))
	return nil
}

// Release returns a permit. The counter drops before the semaphore
// frees so InFlight never reads above MaxConcurrent.
func (b *Bulkhead) Release() {
	b.depthChanged(b.inFlight.Add(-1))
	b.sem.Release(1)
}

// InFlight returns the number of permits currently held.
func (b *Bulkhead) InFlight() int64 {
	return b.inFlight.Load()
}

func (b *Bulkhead) depthChanged(inFlight int64) {
	if b.cfg.OnDepthChange != nil {
		b.cfg.OnDepthChange(b.cfg.Name, inFlight)
	}
}

func (b *Bulkhead) reject() {
	if b.cfg.OnReject != nil {
		b.cfg.OnReject(b.cfg.Name)
	}
}

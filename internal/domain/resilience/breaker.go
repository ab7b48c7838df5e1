package resilience

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts outcomes.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen admits exactly one probe call.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Allow while calls are being rejected,
// including while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// StateChangeFunc observes breaker transitions. It runs after the
// breaker releases its internal lock, so implementations may block
// briefly or re-enter the breaker without stalling admission on the
// upstream.
type StateChangeFunc func(name string, from, to BreakerState)

// BreakerConfig parameterizes one breaker.
type BreakerConfig struct {
	// Name labels the upstream this breaker guards.
	Name string

	// FailureThreshold is the failure ratio (0, 1] that trips the
	// breaker once MinCalls outcomes accumulate in a window.
	FailureThreshold float64

	// MinCalls is how many outcomes a window needs before the ratio
	// is meaningful.
	MinCalls uint32

	// Window bounds one closed-state counting generation.
	Window time.Duration

	// Cooldown is how long the breaker stays open before admitting
	// a probe.
	Cooldown time.Duration

	// OnStateChange, when set, receives every transition.
	OnStateChange StateChangeFunc
}

// BreakerCounts accumulates call outcomes within one generation.
type BreakerCounts struct {
	Requests  uint32
	Successes uint32
	Failures  uint32
}

// FailureRatio returns failures over requests, zero when idle.
func (c BreakerCounts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

func (c *BreakerCounts) clear() {
	*c = BreakerCounts{}
}

// Breaker is a per-upstream circuit breaker. Transitions are
// single-writer: every mutation happens under one mutex, and stale
// outcomes from a previous generation are discarded.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     BreakerCounts
	expiry     time.Time // window rotation when closed, probe time when open
	since      time.Time
	now        func() time.Time

	// pending holds transitions recorded under mu, delivered to the
	// observer only after the lock is released.
	pending []stateChange
}

// stateChange is one recorded transition awaiting delivery.
type stateChange struct {
	from, to BreakerState
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		cfg: cfg,
		now: time.Now,
	}
	b.since = b.now()
	b.rotate(b.since)
	return b
}

// Name returns the guarded upstream's name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Allow reports whether a call may proceed. The returned generation
// must be handed back to Record with the call's outcome; outcomes
// from an earlier generation are ignored.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()

	now := b.now()
	state := b.refresh(now)
	gen := b.generation

	var err error
	switch state {
	case BreakerOpen:
		err = ErrCircuitOpen
	case BreakerHalfOpen:
		if b.counts.Requests > 0 {
			// The single probe is already out.
			err = ErrCircuitOpen
		}
	}
	if err == nil {
		b.counts.Requests++
	}

	events := b.takePending()
	b.mu.Unlock()

	b.notify(events)
	return gen, err
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()

	now := b.now()
	state := b.refresh(now)
	if generation == b.generation {
		b.record(state, success, now)
	}

	events := b.takePending()
	b.mu.Unlock()

	b.notify(events)
}

// record applies one current-generation outcome. Callers hold b.mu.
func (b *Breaker) record(state BreakerState, success bool, now time.Time) {
	if success {
		b.counts.Successes++
		if state == BreakerHalfOpen {
			b.transition(BreakerClosed, now)
		}
		return
	}

	b.counts.Failures++
	switch state {
	case BreakerClosed:
		if b.counts.Requests >= b.cfg.MinCalls && b.counts.FailureRatio() >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen, now)
	}
}

// State returns the current state, applying any due lazy transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	state := b.refresh(b.now())
	events := b.takePending()
	b.mu.Unlock()

	b.notify(events)
	return state
}

// BreakerSnapshot is a point-in-time view for diagnostics.
type BreakerSnapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Since        time.Time `json:"since"`
	Requests     uint32    `json:"requests"`
	Failures     uint32    `json:"failures"`
	FailureRatio float64   `json:"failure_ratio"`
	NextProbe    time.Time `json:"next_probe,omitzero"`
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()

	state := b.refresh(b.now())
	snap := BreakerSnapshot{
		Name:         b.cfg.Name,
		State:        state.String(),
		Since:        b.since,
		Requests:     b.counts.Requests,
		Failures:     b.counts.Failures,
		FailureRatio: b.counts.FailureRatio(),
	}
	if state == BreakerOpen {
		snap.NextProbe = b.expiry
	}

	events := b.takePending()
	b.mu.Unlock()

	b.notify(events)
	return snap
}

// refresh applies lazy transitions: window rotation while closed,
// open to half-open once the cooldown elapses. Callers hold b.mu.
func (b *Breaker) refresh(now time.Time) BreakerState {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.generation++
			b.counts.clear()
			b.rotate(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.transition(BreakerHalfOpen, now)
		}
	}
	return b.state
}

// transition moves to state and starts a fresh generation. The
// observer is not called here; the transition is queued for delivery
// after the lock drops. Callers hold b.mu.
func (b *Breaker) transition(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.since = now
	b.generation++
	b.counts.clear()
	b.rotate(now)

	if b.cfg.OnStateChange != nil {
		b.pending = append(b.pending, stateChange{from: from, to: state})
	}
}

// takePending drains the queued transitions. Callers hold b.mu.
func (b *Breaker) takePending() []stateChange {
	events := b.pending
	b.pending = nil
	return events
}

// notify delivers queued transitions outside the lock, in the order
// they occurred.
func (b *Breaker) notify(events []stateChange) {
	for _, ev := range events {
		b.cfg.OnStateChange(b.cfg.Name, ev.from, ev.to)
	}
}

// rotate stamps the expiry for the current state. Callers hold b.mu.
func (b *Breaker) rotate(now time.Time) {
	switch b.state {
	case BreakerClosed:
		if b.cfg.Window > 0 {
			b.expiry = now.Add(b.cfg.Window)
		} else {
			b.expiry = time.Time{}
		}
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fixedClock is a manually advanced clock for deterministic
// window and cooldown arithmetic.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedBreaker(cfg BreakerConfig) (*Breaker, *fixedClock) {
	clk := &fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(cfg)
	b.now = clk.Now
	b.since = clk.Now()
	b.rotate(b.since)
	return b, clk
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "api-backend",
		FailureThreshold: 0.5,
		MinCalls:         10,
		Window:           30 * time.Second,
		Cooldown:         15 * time.Second,
	}
}

// tripBreaker drives ten calls with five failures through b, enough
// to reach the 0.5 threshold at the minimum call count.
func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 10; i++ {
		gen, err := b.Allow()
		if err != nil {
			t.Fatalf("Allow() call %d: unexpected error %v", i+1, err)
		}
		b.Record(gen, i%2 == 0)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("State() after trip = %v, want %v", got, BreakerOpen)
	}
}

func TestBreaker_StaysClosedBelowMinCalls(t *testing.T) {
	b, _ := newClockedBreaker(testBreakerConfig())

	for i := 0; i < 9; i++ {
		gen, err := b.Allow()
		if err != nil {
			t.Fatalf("Allow() call %d: unexpected error %v", i+1, err)
		}
		b.Record(gen, false)
	}

	if got := b.State(); got != BreakerClosed {
		t.Errorf("State() after 9 failures = %v, want %v", got, BreakerClosed)
	}
	if _, err := b.Allow(); err != nil {
		t.Errorf("Allow() = %v, want nil while closed", err)
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	cfg := testBreakerConfig()
	cfg.OnStateChange = func(name string, from, to BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+">"+to.String())
	}
	b, _ := newClockedBreaker(cfg)

	tripBreaker(t, b)

	if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() after trip = %v, want ErrCircuitOpen", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "api-backend:closed>open" {
		t.Errorf("transitions = %v, want single closed>open", transitions)
	}
}

func TestBreaker_ObserverRunsOutsideLock(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []string
	)
	var b *Breaker
	cfg := testBreakerConfig()
	cfg.OnStateChange = func(name string, from, to BreakerState) {
		// Re-entering the breaker would deadlock if the observer ran
		// under the lock.
		state := b.State()
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, from.String()+">"+to.String()+"@"+state.String())
	}
	b, _ = newClockedBreaker(cfg)

	tripBreaker(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] != "closed>open@open" {
		t.Errorf("observed = %v, want single closed>open seen as open", observed)
	}
}

func TestBreaker_WindowRotationClearsCounts(t *testing.T) {
	b, clk := newClockedBreaker(testBreakerConfig())

	// Nine failures, one short of the minimum call count.
	for i := 0; i < 9; i++ {
		gen, err := b.Allow()
		if err != nil {
			t.Fatalf("Allow() call %d: unexpected error %v", i+1, err)
		}
		b.Record(gen, false)
	}

	clk.Advance(30*time.Second + time.Millisecond)

	// The old window's failures no longer count toward the ratio.
	gen, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() in new window: unexpected error %v", err)
	}
	b.Record(gen, false)

	if got := b.State(); got != BreakerClosed {
		t.Errorf("State() after window rotation = %v, want %v", got, BreakerClosed)
	}
	snap := b.Snapshot()
	if snap.Requests != 1 || snap.Failures != 1 {
		t.Errorf("Snapshot() counts = %d/%d, want 1/1", snap.Requests, snap.Failures)
	}
}

func TestBreaker_OpenRejectsUntilCooldown(t *testing.T) {
	b, clk := newClockedBreaker(testBreakerConfig())
	tripBreaker(t, b)

	clk.Advance(15*time.Second - time.Millisecond)
	if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() before cooldown = %v, want ErrCircuitOpen", err)
	}

	clk.Advance(2 * time.Millisecond)
	if _, err := b.Allow(); err != nil {
		t.Errorf("Allow() after cooldown = %v, want nil", err)
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Errorf("State() after cooldown = %v, want %v", got, BreakerHalfOpen)
	}
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clk := newClockedBreaker(testBreakerConfig())
	tripBreaker(t, b)
	clk.Advance(15*time.Second + time.Millisecond)

	if _, err := b.Allow(); err != nil {
		t.Fatalf("Allow() probe: unexpected error %v", err)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() with probe in flight = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	cfg := testBreakerConfig()
	cfg.OnStateChange = func(_ string, from, to BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+">"+to.String())
	}
	b, clk := newClockedBreaker(cfg)
	tripBreaker(t, b)
	clk.Advance(15*time.Second + time.Millisecond)

	gen, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() probe: unexpected error %v", err)
	}
	b.Record(gen, true)

	if got := b.State(); got != BreakerClosed {
		t.Errorf("State() after successful probe = %v, want %v", got, BreakerClosed)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clk := newClockedBreaker(testBreakerConfig())
	tripBreaker(t, b)
	clk.Advance(15*time.Second + time.Millisecond)

	gen, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() probe: unexpected error %v", err)
	}
	b.Record(gen, false)

	if got := b.State(); got != BreakerOpen {
		t.Errorf("State() after failed probe = %v, want %v", got, BreakerOpen)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() after failed probe = %v, want ErrCircuitOpen", err)
	}

	// A second cooldown earns a second probe.
	clk.Advance(15*time.Second + time.Millisecond)
	if _, err := b.Allow(); err != nil {
		t.Errorf("Allow() after second cooldown = %v, want nil", err)
	}
}

func TestBreaker_StaleGenerationIgnored(t *testing.T) {
	b, clk := newClockedBreaker(testBreakerConfig())
	tripBreaker(t, b)
	clk.Advance(15*time.Second + time.Millisecond)

	gen, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() probe: unexpected error %v", err)
	}
	b.Record(gen, false)

	// The probe's generation died with the reopen; a late success
	// report for it must not close the breaker.
	b.Record(gen, true)
	if got := b.State(); got != BreakerOpen {
		t.Errorf("State() after stale success = %v, want %v", got, BreakerOpen)
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b, clk := newClockedBreaker(testBreakerConfig())

	for i := 0; i < 4; i++ {
		gen, err := b.Allow()
		if err != nil {
			t.Fatalf("Allow() call %d: unexpected error %v", i+1, err)
		}
		b.Record(gen, i != 0)
	}

	snap := b.Snapshot()
	if snap.Name != "api-backend" {
		t.Errorf("Snapshot().Name = %q, want %q", snap.Name, "api-backend")
	}
	if snap.State != "closed" {
		t.Errorf("Snapshot().State = %q, want %q", snap.State, "closed")
	}
	if snap.Requests != 4 || snap.Failures != 1 {
		t.Errorf("Snapshot() counts = %d/%d, want 4/1", snap.Requests, snap.Failures)
	}
	if snap.FailureRatio != 0.25 {
		t.Errorf("Snapshot().FailureRatio = %v, want 0.25", snap.FailureRatio)
	}
	if !snap.NextProbe.IsZero() {
		t.Errorf("Snapshot().NextProbe = %v, want zero while closed", snap.NextProbe)
	}

	// Rotate into a fresh window so the trip ratio is clean.
	clk.Advance(30*time.Second + time.Millisecond)
	tripBreaker(t, b)
	snap = b.Snapshot()
	if snap.State != "open" {
		t.Errorf("Snapshot().State after trip = %q, want %q", snap.State, "open")
	}
	wantProbe := clk.Now().Add(15 * time.Second)
	if !snap.NextProbe.Equal(wantProbe) {
		t.Errorf("Snapshot().NextProbe = %v, want %v", snap.NextProbe, wantProbe)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half_open"},
		{BreakerState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

package scan

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventType classifies one scanner observation of a client.
type EventType string

const (
	EventThreatDetected EventType = "THREAT_DETECTED"
	EventNormalRequest  EventType = "NORMAL_REQUEST"
)

const (
	// DefaultCleanupInterval is how often idle actors are pruned.
	DefaultCleanupInterval = 1 * time.Hour

	// DefaultIdleExpiry removes an actor after this much inactivity.
	DefaultIdleExpiry = 24 * time.Hour
)

// Actor is a point-in-time snapshot of one client's scan history.
type Actor struct {
	Key       string              `json:"key"`
	Events    map[EventType]int64 `json:"events"`
	FirstSeen time.Time           `json:"first_seen"`
	LastSeen  time.Time           `json:"last_seen"`
}

type actorRecord struct {
	mu        sync.Mutex
	events    map[EventType]int64
	firstSeen time.Time
	lastSeen  time.Time
}

// ActorTable is an in-process rolling record of scanner observations
// keyed by client. Thread-safe for concurrent access. A background
// cleanup goroutine prunes actors not seen within the idle expiry.
type ActorTable struct {
	mu              sync.RWMutex
	actors          map[string]*actorRecord
	cleanupInterval time.Duration
	idleExpiry      time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once // Prevent double-close panic on Stop()
	now             func() time.Time
}

// NewActorTable creates an actor table with default pruning intervals.
func NewActorTable() *ActorTable {
	return NewActorTableWithConfig(DefaultCleanupInterval, DefaultIdleExpiry)
}

// NewActorTableWithConfig creates an actor table with custom cleanup
// interval and idle expiry.
func NewActorTableWithConfig(cleanupInterval, idleExpiry time.Duration) *ActorTable {
	return &ActorTable{
		actors:          make(map[string]*actorRecord),
		cleanupInterval: cleanupInterval,
		idleExpiry:      idleExpiry,
		stopChan:        make(chan struct{}),
		now:             time.Now,
	}
}

// Record increments the event counter for key and refreshes last-seen.
// An empty key is ignored.
func (t *ActorTable) Record(key string, ev EventType) {
	if key == "" {
		return
	}
	now := t.now()

	t.mu.RLock()
	rec, ok := t.actors[key]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		rec, ok = t.actors[key]
		if !ok {
			rec = &actorRecord{
				events:    make(map[EventType]int64, 2),
				firstSeen: now,
			}
			t.actors[key] = rec
		}
		t.mu.Unlock()
	}

	rec.mu.Lock()
	rec.events[ev]++
	rec.lastSeen = now
	rec.mu.Unlock()
}

// Get returns a snapshot of one actor, or false if unknown.
func (t *ActorTable) Get(key string) (Actor, bool) {
	t.mu.RLock()
	rec, ok := t.actors[key]
	t.mu.RUnlock()
	if !ok {
		return Actor{}, false
	}
	return rec.snapshot(key), true
}

// Snapshot returns all actors sorted by key, for diagnostics.
func (t *ActorTable) Snapshot() []Actor {
	t.mu.RLock()
	out := make([]Actor, 0, len(t.actors))
	for key, rec := range t.actors {
		out = append(out, rec.snapshot(key))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Size returns the number of tracked actors.
func (t *ActorTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.actors)
}

// StartCleanup starts the background pruning goroutine.
// Call Stop() to stop it gracefully.
func (t *ActorTable) StartCleanup(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopChan:
				return
			case <-ticker.C:
				t.cleanup()
			}
		}
	}()
}

// cleanup removes actors idle for at least the idle expiry.
func (t *ActorTable) cleanup() {
	cutoff := t.now().Add(-t.idleExpiry)

	t.mu.Lock()
	cleaned := 0
	for key, rec := range t.actors {
		rec.mu.Lock()
		idle := rec.lastSeen.Before(cutoff) || rec.lastSeen.Equal(cutoff)
		rec.mu.Unlock()
		if idle {
			delete(t.actors, key)
			cleaned++
		}
	}
	t.mu.Unlock()

	if cleaned > 0 {
		slog.Debug("pruned idle actors", "count", cleaned)
	}
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (t *ActorTable) Stop() {
	t.once.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()
}

func (r *actorRecord) snapshot(key string) Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make(map[EventType]int64, len(r.events))
	for ev, n := range r.events {
		events[ev] = n
	}
	return Actor{
		Key:       key,
		Events:    events,
		FirstSeen: r.firstSeen,
		LastSeen:  r.lastSeen,
	}
}

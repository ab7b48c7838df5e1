package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestActorTable_RecordAndGet(t *testing.T) {
	table := NewActorTable()

	table.Record("ip:203.0.113.7", EventThreatDetected)
	table.Record("ip:203.0.113.7", EventThreatDetected)
	table.Record("ip:203.0.113.7", EventNormalRequest)

	actor, ok := table.Get("ip:203.0.113.7")
	if !ok {
		t.Fatal("Get() = false, want recorded actor")
	}
	if got := actor.Events[EventThreatDetected]; got != 2 {
		t.Errorf("THREAT_DETECTED = %d, want 2", got)
	}
	if got := actor.Events[EventNormalRequest]; got != 1 {
		t.Errorf("NORMAL_REQUEST = %d, want 1", got)
	}
	if actor.FirstSeen.IsZero() || actor.LastSeen.IsZero() {
		t.Error("FirstSeen/LastSeen not set")
	}
	if actor.LastSeen.Before(actor.FirstSeen) {
		t.Errorf("LastSeen %v before FirstSeen %v", actor.LastSeen, actor.FirstSeen)
	}
}

func TestActorTable_UnknownActor(t *testing.T) {
	table := NewActorTable()

	if _, ok := table.Get("ip:198.51.100.1"); ok {
		t.Error("Get() = true for unknown actor, want false")
	}
}

func TestActorTable_EmptyKeyIgnored(t *testing.T) {
	table := NewActorTable()

	table.Record("", EventNormalRequest)

	if n := table.Size(); n != 0 {
		t.Errorf("Size() = %d, want 0", n)
	}
}

func TestActorTable_SnapshotSorted(t *testing.T) {
	table := NewActorTable()

	table.Record("user:charlie", EventNormalRequest)
	table.Record("user:alice", EventThreatDetected)
	table.Record("user:bob", EventNormalRequest)

	snap := table.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() returned %d actors, want 3", len(snap))
	}
	wantOrder := []string{"user:alice", "user:bob", "user:charlie"}
	for i, want := range wantOrder {
		if snap[i].Key != want {
			t.Errorf("Snapshot()[%d].Key = %q, want %q", i, snap[i].Key, want)
		}
	}
}

func TestActorTable_SnapshotIsolatedFromTable(t *testing.T) {
	table := NewActorTable()
	table.Record("user:alice", EventNormalRequest)

	snap := table.Snapshot()
	snap[0].Events[EventNormalRequest] = 99

	actor, _ := table.Get("user:alice")
	if got := actor.Events[EventNormalRequest]; got != 1 {
		t.Errorf("NORMAL_REQUEST = %d after snapshot mutation, want 1", got)
	}
}

func TestActorTable_CleanupRemovesIdle(t *testing.T) {
	table := NewActorTableWithConfig(time.Hour, 24*time.Hour)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	table.now = func() time.Time { return now }

	table.Record("user:stale", EventNormalRequest)

	now = base.Add(25 * time.Hour)
	table.Record("user:fresh", EventNormalRequest)

	table.cleanup()

	if _, ok := table.Get("user:stale"); ok {
		t.Error("stale actor survived cleanup")
	}
	if _, ok := table.Get("user:fresh"); !ok {
		t.Error("fresh actor removed by cleanup")
	}
	if n := table.Size(); n != 1 {
		t.Errorf("Size() = %d, want 1", n)
	}
}

func TestActorTable_CleanupKeepsActive(t *testing.T) {
	table := NewActorTableWithConfig(time.Hour, 24*time.Hour)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	table.now = func() time.Time { return now }

	table.Record("user:alice", EventNormalRequest)

	// Well within the idle expiry.
	now = base.Add(23 * time.Hour)
	table.cleanup()

	if n := table.Size(); n != 1 {
		t.Errorf("Size() = %d, want 1", n)
	}
}

func TestActorTable_StartCleanupAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	table := NewActorTableWithConfig(5*time.Millisecond, time.Millisecond)
	table.Record("user:alice", EventNormalRequest)

	table.StartCleanup(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for table.Size() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Size() = %d after waiting, want 0", table.Size())
		}
		time.Sleep(5 * time.Millisecond)
	}

	table.Stop()
}

func TestActorTable_StopIsIdempotent(t *testing.T) {
	table := NewActorTable()
	table.StartCleanup(context.Background())

	table.Stop()
	table.Stop()
}

func TestActorTable_ConcurrentRecord(t *testing.T) {
	table := NewActorTable()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				table.Record("shared", EventThreatDetected)
			}
		}()
	}
	wg.Wait()

	actor, ok := table.Get("shared")
	if !ok {
		t.Fatal("Get(shared) = false, want recorded actor")
	}
	if got := actor.Events[EventThreatDetected]; got != 1000 {
		t.Errorf("THREAT_DETECTED = %d, want 1000", got)
	}
}

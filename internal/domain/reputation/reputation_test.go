package reputation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scoreServer(t *testing.T, score int, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Query().Get("ip") == "" {
			t.Error("missing ip query parameter")
		}
		fmt.Fprintf(w, `{"score": %d}`, score)
	}))
}

func TestCheckBlocksHighScore(t *testing.T) {
	srv := scoreServer(t, 90, nil)
	defer srv.Close()

	c := NewChecker(Config{URL: srv.URL, BlockScore: 75}, testLogger())
	v, outcome := c.Check(context.Background(), "203.0.113.9")
	if outcome != OutcomeBlocked {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeBlocked)
	}
	if !v.Blocked || v.Score != 90 {
		t.Fatalf("verdict = %+v, want blocked with score 90", v)
	}
}

func TestCheckAllowsLowScore(t *testing.T) {
	srv := scoreServer(t, 10, nil)
	defer srv.Close()

	c := NewChecker(Config{URL: srv.URL, BlockScore: 75}, testLogger())
	if _, outcome := c.Check(context.Background(), "203.0.113.9"); outcome != OutcomeAllowed {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeAllowed)
	}
}

func TestCheckCachesVerdicts(t *testing.T) {
	var hits atomic.Int64
	srv := scoreServer(t, 90, &hits)
	defer srv.Close()

	c := NewChecker(Config{URL: srv.URL, BlockScore: 75}, testLogger())
	c.Check(context.Background(), "203.0.113.9")
	if _, outcome := c.Check(context.Background(), "203.0.113.9"); outcome != OutcomeBlocked {
		t.Fatalf("cached outcome = %s, want %s", outcome, OutcomeBlocked)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("lookups = %d, want 1", got)
	}
}

func TestCheckFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewChecker(Config{URL: srv.URL}, testLogger())
	v, outcome := c.Check(context.Background(), "203.0.113.9")
	if outcome != OutcomeFailOpen {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeFailOpen)
	}
	if v.Blocked {
		t.Fatal("fail-open verdict must not block")
	}
}

func TestCheckFailsOpenOnUnreachableService(t *testing.T) {
	c := NewChecker(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, testLogger())
	if _, outcome := c.Check(context.Background(), "203.0.113.9"); outcome != OutcomeFailOpen {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeFailOpen)
	}
}

func TestCheckFailsOpenOnMalformedScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"score": 400}`)
	}))
	defer srv.Close()

	c := NewChecker(Config{URL: srv.URL}, testLogger())
	if _, outcome := c.Check(context.Background(), "203.0.113.9"); outcome != OutcomeFailOpen {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeFailOpen)
	}
}

func TestCheckSkipsEmptyIP(t *testing.T) {
	c := NewChecker(Config{URL: "http://127.0.0.1:1"}, testLogger())
	if _, outcome := c.Check(context.Background(), ""); outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeSkipped)
	}
}

func TestCheckSkipsOverLookupBudget(t *testing.T) {
	var hits atomic.Int64
	srv := scoreServer(t, 10, &hits)
	defer srv.Close()

	c := NewChecker(Config{URL: srv.URL, MaxLookupsPerSecond: 1}, testLogger())
	c.Check(context.Background(), "203.0.113.1")
	// Budget exhausted; a different IP must skip, not queue.
	if _, outcome := c.Check(context.Background(), "203.0.113.2"); outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeSkipped)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("lookups = %d, want 1", got)
	}
}

func TestCheckCollapsesConcurrentLookups(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, `{"score": 5}`)
	}))
	defer srv.Close()

	c := NewChecker(Config{URL: srv.URL, Timeout: 5 * time.Second}, testLogger())

	const workers = 8
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Check(context.Background(), "203.0.113.9")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Fatalf("lookups = %d, want 1 (singleflight collapse)", got)
	}
}

func TestVerdictCacheExpiry(t *testing.T) {
	cache := newVerdictCache(4)
	now := time.Now()
	cache.put("a", Verdict{IP: "a", Score: 50}, now.Add(time.Minute))

	if _, ok := cache.get("a", now); !ok {
		t.Fatal("fresh entry should hit")
	}
	if _, ok := cache.get("a", now.Add(2*time.Minute)); ok {
		t.Fatal("expired entry should miss")
	}
	if cache.size() != 0 {
		t.Fatalf("size = %d after expiry eviction, want 0", cache.size())
	}
}

func TestVerdictCacheEvictsLRU(t *testing.T) {
	cache := newVerdictCache(2)
	now := time.Now()
	expires := now.Add(time.Hour)

	cache.put("a", Verdict{IP: "a"}, expires)
	cache.put("b", Verdict{IP: "b"}, expires)
	cache.get("a", now) // a is now most recent
	cache.put("c", Verdict{IP: "c"}, expires)

	if _, ok := cache.get("b", now); ok {
		t.Fatal("least recently used entry should have been evicted")
	}
	if _, ok := cache.get("a", now); !ok {
		t.Fatal("recently used entry should survive")
	}
	if _, ok := cache.get("c", now); !ok {
		t.Fatal("new entry should be present")
	}
}

package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gatewarden/gatewarden/internal/domain/journal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records appended entries for assertions.
type captureSink struct {
	mu      sync.Mutex
	entries []journal.Entry
	flushes int
}

func (s *captureSink) Append(_ context.Context, entries ...journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *captureSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *captureSink) all() []journal.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]journal.Entry(nil), s.entries...)
}

func TestJournalFlushesOnBatchSize(t *testing.T) {
	sink := &captureSink{}
	svc := NewJournalService(sink, testLogger(),
		WithJournalBatchSize(2),
		WithJournalFlushInterval(time.Hour),
	)
	svc.Start(context.Background())

	svc.Record(journal.Entry{Kind: journal.KindScanBlock, Reason: "one"})
	svc.Record(journal.Entry{Kind: journal.KindRateLimit, Reason: "two"})

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("flushed entries = %d, want 2", got)
	}
	svc.Stop()
}

func TestJournalStopDrainsPending(t *testing.T) {
	sink := &captureSink{}
	svc := NewJournalService(sink, testLogger(),
		WithJournalBatchSize(100),
		WithJournalFlushInterval(time.Hour),
	)
	svc.Start(context.Background())

	for i := 0; i < 5; i++ {
		svc.Record(journal.Entry{Kind: journal.KindRBACDeny, Reason: "deny"})
	}
	svc.Stop()

	if got := sink.count(); got != 5 {
		t.Fatalf("entries after Stop = %d, want 5", got)
	}
}

func TestJournalStampsTimestamp(t *testing.T) {
	sink := &captureSink{}
	svc := NewJournalService(sink, testLogger(), WithJournalBatchSize(1))
	svc.Start(context.Background())

	svc.Record(journal.Entry{Kind: journal.KindReputationBlock, Reason: "score"})
	svc.Stop()

	entries := sink.all()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestJournalDropsWhenSaturated(t *testing.T) {
	sink := &captureSink{}
	// Worker not started: the channel fills and stays full.
	svc := NewJournalService(sink, testLogger(),
		WithJournalChannelSize(1),
		WithJournalSendTimeout(0),
		WithJournalWarningThreshold(0),
	)

	svc.Record(journal.Entry{Kind: journal.KindScanBlock, Reason: "kept"})
	svc.Record(journal.Entry{Kind: journal.KindScanBlock, Reason: "dropped"})

	if got := svc.DroppedEntries(); got != 1 {
		t.Fatalf("DroppedEntries = %d, want 1", got)
	}
	if got := svc.ChannelDepth(); got != 1 {
		t.Fatalf("ChannelDepth = %d, want 1", got)
	}

	// Drain so Stop's worker-less close leaves nothing behind.
	svc.Start(context.Background())
	svc.Stop()
}

func TestJournalChannelCapacity(t *testing.T) {
	svc := NewJournalService(&captureSink{}, testLogger(), WithJournalChannelSize(42))
	if got := svc.ChannelCapacity(); got != 42 {
		t.Fatalf("ChannelCapacity = %d, want 42", got)
	}
	svc.Start(context.Background())
	svc.Stop()
}

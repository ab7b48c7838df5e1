package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	domjournal "github.com/gatewarden/gatewarden/internal/domain/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriterSinkAppendsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	err := sink.Append(context.Background(),
		domjournal.Entry{Kind: domjournal.KindScanBlock, Reason: "sqli", RequestID: "r1"},
		domjournal.Entry{Kind: domjournal.KindRateLimit, Reason: "over limit"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var first domjournal.Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Kind != domjournal.KindScanBlock || first.RequestID != "r1" {
		t.Fatalf("first entry = %+v", first)
	}
}

func TestWriterSinkBuffersUntilFlush(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	if err := sink.Append(context.Background(), domjournal.Entry{Kind: domjournal.KindRBACDeny, Reason: "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("entry visible before Flush")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("Close did not flush")
	}
}

func TestFileSinkWritesAndRotatesByDate(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	today := time.Now().UTC()

	// Today's file is opened at boot; an entry stamped yesterday forces
	// a rotation to yesterday's file, then back.
	err = sink.Append(context.Background(),
		domjournal.Entry{Timestamp: yesterday, Kind: domjournal.KindScanBlock, Reason: "old"},
		domjournal.Entry{Timestamp: today, Kind: domjournal.KindScanBlock, Reason: "new"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for _, day := range []time.Time{yesterday, today} {
		name := "journal-" + day.Format("2006-01-02") + ".log"
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestFileSinkEntriesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	want := domjournal.Entry{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Kind:      domjournal.KindBreakerTransition,
		Upstream:  "billing",
		Reason:    "closed -> open",
	}
	if err := sink.Append(context.Background(), want); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "journal-" + want.Timestamp.Format("2006-01-02") + ".log"
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("open journal file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("journal file empty")
	}
	var got domjournal.Entry
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != want.Kind || got.Upstream != want.Upstream || got.Reason != want.Reason {
		t.Fatalf("entry = %+v, want %+v", got, want)
	}
}

func TestFileSinkRetentionCleanup(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "journal-2020-01-01.log")
	if err := os.WriteFile(stale, []byte("{}\n"), 0600); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	sink, err := NewFileSink(FileConfig{Dir: dir, RetentionDays: 7}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale journal file not cleaned up at boot")
	}
}

func TestParseJournalFilename(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		date   string
		suffix int
	}{
		{"journal-2026-08-25.log", true, "2026-08-25", 0},
		{"journal-2026-08-25-3.log", true, "2026-08-25", 3},
		{"journal-2026-08-25.txt", false, "", 0},
		{"audit-2026-08-25.log", false, "", 0},
	}
	for _, tt := range tests {
		info, ok := parseJournalFilename(tt.name)
		if ok != tt.ok {
			t.Errorf("parseJournalFilename(%q) ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && (info.date != tt.date || info.suffix != tt.suffix) {
			t.Errorf("parseJournalFilename(%q) = %+v", tt.name, info)
		}
	}
}

func TestNewSinkFactory(t *testing.T) {
	if _, err := NewSink("stdout", FileConfig{}, testLogger()); err != nil {
		t.Fatalf("stdout sink: %v", err)
	}

	dir := t.TempDir()
	sink, err := NewSink("file://"+dir, FileConfig{}, testLogger())
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}
	sink.Close()

	if _, err := NewSink("syslog://nope", FileConfig{}, testLogger()); err == nil {
		t.Fatal("expected error for unsupported output")
	}
}

package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	domjournal "github.com/gatewarden/gatewarden/internal/domain/journal"
)

// WriterSink writes journal entries as JSON Lines to an io.Writer,
// typically stdout. Writes are buffered; the journal worker flushes
// after every batch.
type WriterSink struct {
	mu  sync.Mutex
	buf *bufio.Writer
}

// NewWriterSink wraps w in a buffered JSON Lines sink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{buf: bufio.NewWriter(w)}
}

// Append serializes entries one per line.
func (s *WriterSink) Append(_ context.Context, entries ...domjournal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal journal entry: %w", err)
		}
		if _, err := s.buf.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write journal entry: %w", err)
		}
	}
	return nil
}

// Flush drains the write buffer.
func (s *WriterSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

// Close flushes remaining entries. The underlying writer is not owned
// by the sink and stays open.
func (s *WriterSink) Close() error {
	return s.Flush(context.Background())
}

var _ domjournal.Store = (*WriterSink)(nil)

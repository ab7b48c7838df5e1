package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain/journal"
)

// JournalService provides async security journaling with a buffered
// channel and background worker. Denials are recorded without blocking
// the request hot path.
type JournalService struct {
	store         journal.Store
	entryChan     chan journal.Entry
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64

	warningThreshold int          // percentage (0-100)
	lastWarning      atomic.Int64 // rate-limits warning logs (Unix nanos)

	// adaptiveFlushThreshold is the channel depth % that switches the
	// worker to a 4x faster flush interval.
	adaptiveFlushThreshold int
}

// JournalOption configures JournalService.
type JournalOption func(*JournalService)

// WithJournalBatchSize sets the number of entries to batch before writing.
func WithJournalBatchSize(size int) JournalOption {
	return func(s *JournalService) {
		s.batchSize = size
	}
}

// WithJournalFlushInterval sets the interval to flush pending entries.
func WithJournalFlushInterval(interval time.Duration) JournalOption {
	return func(s *JournalService) {
		s.flushInterval = interval
	}
}

// WithJournalChannelSize sets the size of the entry channel buffer.
func WithJournalChannelSize(size int) JournalOption {
	return func(s *JournalService) {
		s.entryChan = make(chan journal.Entry, size)
		s.channelSize = size
	}
}

// WithJournalSendTimeout sets the backpressure timeout. Zero drops
// immediately when the channel is full.
func WithJournalSendTimeout(timeout time.Duration) JournalOption {
	return func(s *JournalService) {
		s.sendTimeout = timeout
	}
}

// WithJournalWarningThreshold sets the channel depth warning percentage.
func WithJournalWarningThreshold(percent int) JournalOption {
	return func(s *JournalService) {
		s.warningThreshold = min(max(percent, 0), 100)
	}
}

// NewJournalService creates a JournalService over the given sink.
func NewJournalService(store journal.Store, logger *slog.Logger, opts ...JournalOption) *JournalService {
	defaultChannelSize := 1000
	s := &JournalService{
		store:                  store,
		entryChan:              make(chan journal.Entry, defaultChannelSize),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that batches and writes entries.
func (s *JournalService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record sends an entry to the background worker. Applies backpressure:
// a fast non-blocking send first, then blocks up to sendTimeout. On
// timeout the entry is dropped and counted; journaling never fails a
// request.
func (s *JournalService) Record(entry journal.Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if s.warningThreshold > 0 {
		depth := len(s.entryChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.entryChan <- entry:
		return
	default:
		// Channel full, apply backpressure.
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(entry)
		return
	}

	select {
	case s.entryChan <- entry:
	case <-time.After(s.sendTimeout):
		s.recordDrop(entry)
	}
}

func (s *JournalService) recordDrop(entry journal.Entry) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("journal entry dropped",
		"kind", entry.Kind,
		"request_id", entry.RequestID,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *JournalService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("journal channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedEntries returns total dropped entries, for metrics and health.
func (s *JournalService) DroppedEntries() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage, for health reporting.
func (s *JournalService) ChannelDepth() int {
	return len(s.entryChan)
}

// ChannelCapacity returns the channel buffer size.
func (s *JournalService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the worker to stop and waits for it to finish. Pending
// entries are flushed before returning.
func (s *JournalService) Stop() {
	close(s.entryChan)
	s.wg.Wait()
}

func (s *JournalService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]journal.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case entry, ok := <-s.entryChan:
			if !ok {
				// Channel closed: final flush with a bounded deadline.
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				s.sync()
				return
			}
			batch = append(batch, entry)

			shouldFlush := len(batch) >= s.batchSize
			if !shouldFlush && s.adaptiveFlushThreshold > 0 {
				depthPercent := len(s.entryChan) * 100 / s.channelSize
				if depthPercent >= s.adaptiveFlushThreshold {
					shouldFlush = true
				}
			}
			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			// Adaptive interval: flush 4x faster while under pressure.
			if s.adaptiveFlushThreshold > 0 {
				depthPercent := len(s.entryChan) * 100 / s.channelSize
				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
			s.sync()

		case <-ctx.Done():
			// Drain what is already queued and flush with a bounded deadline.
			for {
				select {
				case entry, ok := <-s.entryChan:
					if !ok {
						s.finalFlush(batch)
						return
					}
					batch = append(batch, entry)
				default:
					s.finalFlush(batch)
					return
				}
			}
		}
	}
}

func (s *JournalService) finalFlush(batch []journal.Entry) {
	if len(batch) > 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.flush(flushCtx, batch)
		cancel()
	}
	s.sync()
}

// flush writes a batch to the sink. Errors are logged, never propagated.
func (s *JournalService) flush(ctx context.Context, batch []journal.Entry) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write journal batch",
			"error", err,
			"count", len(batch),
		)
	}
}

func (s *JournalService) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Flush(ctx); err != nil {
		s.logger.Error("failed to flush journal sink", "error", err)
	}
}

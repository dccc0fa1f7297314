// Package logrecorder asynchronously persists LogEntry rows (SPEC_FULL.md
// §4, LogRecorder component) so the orchestrator's hot path never blocks on
// a database write.
package logrecorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/novarelay/pkg/store"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// BatchAppender is the narrow persistence dependency logrecorder needs —
// deliberately not part of the Store interface, since nothing else in the
// core calls it.
type BatchAppender interface {
	AppendLogBatch(ctx context.Context, entries []store.LogEntry) error
}

// Recorder is an async, buffered LogEntry writer. Entries are sent to an
// internal channel and flushed by a background goroutine on a size or time
// threshold, whichever comes first.
type Recorder struct {
	appender BatchAppender
	logger   *slog.Logger
	entries  chan store.LogEntry
	wg       sync.WaitGroup
}

// New creates a Recorder. Call Start to begin processing entries.
func New(appender BatchAppender, logger *slog.Logger) *Recorder {
	return &Recorder{
		appender: appender,
		logger:   logger,
		entries:  make(chan store.LogEntry, bufferSize),
	}
}

// Start begins the background flush loop and returns immediately. The loop
// exits once ctx is cancelled (after flushing what is already buffered) or
// once Close is called.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the background loop to
// drain and flush everything already enqueued.
func (r *Recorder) Close() {
	close(r.entries)
	r.wg.Wait()
}

// Record enqueues a LogEntry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged
// (SPEC_FULL.md §5: log writes may be batched, but a full buffer must not
// stall the request path).
func (r *Recorder) Record(entry store.LogEntry) {
	select {
	case r.entries <- entry:
	default:
		r.logger.Warn("log recorder buffer full, dropping entry",
			"model", entry.Model, "status", entry.Status)
	}
}

func (r *Recorder) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.LogEntry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-r.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-r.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(entries []store.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.appender.AppendLogBatch(ctx, entries); err != nil {
		r.logger.Error("flushing log batch failed", "error", err, "count", len(entries))
	}
}

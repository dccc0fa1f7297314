package logrecorder

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/novarelay/pkg/store"
)

type fakeAppender struct {
	mu      sync.Mutex
	batches [][]store.LogEntry
}

func (f *fakeAppender) AppendLogBatch(ctx context.Context, entries []store.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]store.LogEntry(nil), entries...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeAppender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordDropsWhenFull(t *testing.T) {
	r := New(&fakeAppender{}, discardLogger())
	// Don't start — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		r.Record(store.LogEntry{Model: "test"})
	}
	r.Record(store.LogEntry{Model: "dropped"})

	if len(r.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(r.entries), bufferSize)
	}
}

func TestStartFlushesOnBatchSize(t *testing.T) {
	appender := &fakeAppender{}
	r := New(appender, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	for i := 0; i < flushBatch; i++ {
		r.Record(store.LogEntry{Model: "m"})
	}

	deadline := time.Now().Add(time.Second)
	for appender.total() < flushBatch && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := appender.total(); got != flushBatch {
		t.Errorf("flushed %d entries, want %d", got, flushBatch)
	}
}

func TestCloseDrainsRemainingEntries(t *testing.T) {
	appender := &fakeAppender{}
	r := New(appender, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Record(store.LogEntry{Model: "a"})
	r.Record(store.LogEntry{Model: "b"})

	r.Close()

	if got := appender.total(); got != 2 {
		t.Errorf("flushed %d entries after Close, want 2", got)
	}
}

package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/0xc0d3d00d/portfoliodb/internal/metrics"
)

// DebouncedWriter coalesces bursts of writes to the same key into one
// outstanding write at a time. While a write is in flight, newer values for
// the same key overwrite each other in a queue slot; once the write completes
// and the spacing interval elapses, only the latest queued value is flushed.
// A burst of N writes therefore costs a bounded number of physical writes,
// and the durable value is always the last one issued.
//
// Write failures are not retried; the next write to the key carries the
// newest value anyway.
type DebouncedWriter struct {
	store   *Store
	spacing time.Duration

	mu     sync.Mutex
	active map[string]struct{}
	queued map[string][]byte
}

func NewDebouncedWriter(store *Store, spacing time.Duration) *DebouncedWriter {
	return &DebouncedWriter{
		store:   store,
		spacing: spacing,
		active:  make(map[string]struct{}),
		queued:  make(map[string][]byte),
	}
}

// Write schedules value to be persisted under key. It never blocks on I/O.
func (w *DebouncedWriter) Write(key string, value []byte) {
	w.schedule(key, value)
}

// Delete schedules the record under key for removal. It runs through the
// same per-key queue as Write, so a delete issued after a write to the same
// key cannot be overtaken by it.
func (w *DebouncedWriter) Delete(key string) {
	w.schedule(key, nil)
}

func (w *DebouncedWriter) schedule(key string, value []byte) {
	w.mu.Lock()
	if _, inFlight := w.active[key]; inFlight {
		w.queued[key] = value
		w.mu.Unlock()
		metrics.RecordWriteCoalesced()
		return
	}
	w.active[key] = struct{}{}
	w.mu.Unlock()

	go w.flush(key, value)
}

// flush persists value, or removes the record when value is the delete
// tombstone.
func (w *DebouncedWriter) flush(key string, value []byte) {
	var err error
	if value == nil {
		err = w.store.Delete(context.Background(), key)
	} else {
		err = w.store.Put(context.Background(), key, value)
	}
	if err != nil {
		slog.Error("debounced write failed", "key", key, "error", err)
	}
	metrics.RecordWriteFlushed()

	if w.spacing > 0 {
		time.Sleep(w.spacing)
	}

	w.mu.Lock()
	delete(w.active, key)

	next, ok := w.queued[key]
	if ok {
		delete(w.queued, key)
		w.active[key] = struct{}{}
		w.mu.Unlock()
		go w.flush(key, next)
		return
	}
	w.mu.Unlock()
}

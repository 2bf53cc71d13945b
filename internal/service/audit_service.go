package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/audit"
	"github.com/aegis-gateway/aegis/internal/domain/proxy"
)

const (
	auditQueueSize     = 4096
	auditBatchSize     = 64
	auditFlushInterval = time.Second
)

// AuditWriter decouples the response path from audit persistence: Submit
// never blocks, a single flusher goroutine batches entries into the
// store, and overload drops entries rather than stalling requests. The
// drop count is exposed for metrics. Implements proxy.AuditSink.
type AuditWriter struct {
	store   audit.Store
	queue   chan audit.Entry
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewAuditWriter creates the writer and starts its flusher.
func NewAuditWriter(store audit.Store, logger *slog.Logger) *AuditWriter {
	w := &AuditWriter{
		store:  store,
		queue:  make(chan audit.Entry, auditQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "audit_writer"),
	}
	w.wg.Add(1)
	go w.flusher()
	return w
}

var _ proxy.AuditSink = (*AuditWriter)(nil)

// Submit enqueues an entry for persistence. Never blocks; when the
// queue is full the entry is counted as dropped.
func (w *AuditWriter) Submit(entry audit.Entry) {
	select {
	case <-w.done:
		w.dropped.Add(1)
	default:
		select {
		case w.queue <- entry:
		default:
			w.dropped.Add(1)
			w.logger.Warn("audit queue full, dropping entry", "entry_id", entry.ID)
		}
	}
}

// Dropped returns the number of entries lost to overload or shutdown.
func (w *AuditWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// flusher is the single writer to the store: it batches queued entries
// by size and by interval.
func (w *AuditWriter) flusher() {
	defer w.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]audit.Entry, 0, auditBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.store.Append(ctx, batch...); err != nil {
			w.dropped.Add(uint64(len(batch)))
			w.logger.Error("audit batch write failed", "count", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.queue:
			batch = append(batch, entry)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case entry := <-w.queue:
					batch = append(batch, entry)
					if len(batch) >= auditBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close drains the queue, flushes the store, and stops the flusher.
func (w *AuditWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.store.Flush(ctx)
}

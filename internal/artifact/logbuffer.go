package artifact

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
)

// LogBuffer batches console calls into log segments. Entries logged during
// synchronous evaluation are flushed explicitly; later ones are flushed
// after interval.
type LogBuffer struct {
	writer   *Writer
	interval time.Duration
	onError  func(error)

	mu      sync.Mutex
	pending []result.LogEntry
	timer   *time.Timer
	closed  bool
}

// NewLogBuffer creates a buffer that flushes into w
func NewLogBuffer(w *Writer, interval time.Duration, onError func(error)) *LogBuffer {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &LogBuffer{writer: w, interval: interval, onError: onError}
}

// Append queues one entry and schedules a flush
func (b *LogBuffer) Append(e result.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.pending = append(b.pending, e)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, func() {
			if err := b.Flush(); err != nil && b.onError != nil {
				b.onError(err)
			}
		})
	}
}

// Flush writes every queued entry as one segment
func (b *LogBuffer) Flush() error {
	b.mu.Lock()
	entries := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	_, err := b.writer.WriteLogs(entries)
	return err
}

// Close flushes and drops further entries
func (b *LogBuffer) Close() error {
	err := b.Flush()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return err
}

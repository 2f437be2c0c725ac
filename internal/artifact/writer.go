package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// Observer is notified of every segment written
type Observer interface {
	RecordArtifact(kind string)
}

// Writer appends segments to one execution folder. It is safe for
// concurrent use; segment names strictly increase.
type Writer struct {
	dir      string
	exec     id.ExecutionID
	observer Observer
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewWriter creates a writer for an execution folder
func NewWriter(dir string, exec id.ExecutionID) *Writer {
	return &Writer{dir: dir, exec: exec, now: time.Now}
}

// WithObserver attaches a metrics observer
func (w *Writer) WithObserver(o Observer) *Writer {
	w.observer = o
	return w
}

// ExecutionID returns the execution this writer appends to
func (w *Writer) ExecutionID() id.ExecutionID {
	return w.exec
}

// Write appends one result artifact. Logs go to a log segment.
func (w *Writer) Write(r result.Result) (string, error) {
	v, ok := r.Variant()
	if !ok {
		return "", fmt.Errorf("artifact must carry exactly one variant, got %v", r.Variants())
	}
	if v == result.VariantLogs {
		return w.WriteLogs(r.Logs)
	}

	r.ExecutionID = w.exec
	data, err := sonic.ConfigStd.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s artifact: %w", v, err)
	}
	return w.put(KindResult, string(v), data)
}

// WriteLogs appends a log segment. An empty batch writes nothing.
func (w *Writer) WriteLogs(entries []result.LogEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(FormatLine(e))
		sb.WriteByte('\n')
	}
	return w.put(KindLog, string(result.VariantLogs), []byte(sb.String()))
}

func (w *Writer) put(kind Kind, label string, data []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	at := w.now().UTC()
	if !at.After(w.last) {
		at = w.last.Add(time.Nanosecond)
	}
	w.last = at

	path := filepath.Join(w.dir, Name(kind, at))
	if err := workspace.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	if w.observer != nil {
		w.observer.RecordArtifact(label)
	}
	return path, nil
}

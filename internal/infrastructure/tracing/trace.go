package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

// Trace propagation headers
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

// TraceID represents a unique trace identifier
type TraceID string

// SpanID represents a unique span identifier
type SpanID string

// Span is one timed operation. Tags may be added from any goroutine until
// the span is submitted.
type Span struct {
	TraceID   TraceID
	SpanID    SpanID
	ParentID  SpanID
	Name      string
	StartTime time.Time
	Duration  time.Duration
	Status    int
	Err       error

	mu   sync.Mutex
	tags map[string]string
}

// SetTag adds a tag to the span
func (s *Span) SetTag(key, value string) {
	s.mu.Lock()
	s.tags[key] = value
	s.mu.Unlock()
}

// Tags returns a copy of the span tags
func (s *Span) Tags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// SetError marks the span failed
func (s *Span) SetError(err error) {
	s.Err = err
	if s.Status < 400 {
		s.Status = 500
	}
}

// SetStatus records the HTTP status of a request span
func (s *Span) SetStatus(code int) {
	s.Status = code
}

func (s *Span) finish() {
	s.Duration = time.Since(s.StartTime)
}

type spanKey struct{}

// remote is a parent received over the wire; it has no local Span.
type remote struct {
	traceID TraceID
	spanID  SpanID
}

type remoteKey struct{}

// WithRemoteParent makes spans started from ctx continue a trace begun by
// a caller.
func WithRemoteParent(ctx context.Context, traceID TraceID, spanID SpanID) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteKey{}, remote{traceID: traceID, spanID: spanID})
}

// SpanFromContext returns the active span, if any
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) TraceID {
	if span := SpanFromContext(ctx); span != nil {
		return span.TraceID
	}
	if r, ok := ctx.Value(remoteKey{}).(remote); ok {
		return r.traceID
	}
	return ""
}

// Annotate tags the active span. Without one it does nothing, so callers
// never need to know whether they are traced.
func Annotate(ctx context.Context, key, value string) {
	if span := SpanFromContext(ctx); span != nil {
		span.SetTag(key, value)
	}
}

// Tracer reports finished spans through the logger from a collector
// goroutine.
type Tracer struct {
	service string
	logger  *zap.Logger
	spans   chan *Span
	done    chan struct{}
	once    sync.Once
}

// New creates a tracer and starts its collector
func New(service string, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		service: service,
		logger:  logger,
		spans:   make(chan *Span, 1000),
		done:    make(chan struct{}),
	}
	go t.collect()
	return t
}

// StartSpan creates a span that is a child of the span carried by ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	span := &Span{
		SpanID:    SpanID(id.Default().GenerateString()),
		Name:      name,
		StartTime: time.Now(),
		tags:      make(map[string]string),
	}
	switch parent := SpanFromContext(ctx); {
	case parent != nil:
		span.TraceID, span.ParentID = parent.TraceID, parent.SpanID
	default:
		if r, ok := ctx.Value(remoteKey{}).(remote); ok {
			span.TraceID, span.ParentID = r.traceID, r.spanID
		} else {
			span.TraceID = TraceID(id.Default().GenerateString())
		}
	}
	return span, context.WithValue(ctx, spanKey{}, span)
}

// Trace runs fn inside a span and submits it when fn returns.
func (t *Tracer) Trace(ctx context.Context, name string, tags map[string]string, fn func(context.Context) error) error {
	span, ctx := t.StartSpan(ctx, name)
	for k, v := range tags {
		span.SetTag(k, v)
	}
	err := fn(ctx)
	if err != nil {
		span.SetError(err)
	}
	t.Submit(span)
	return err
}

// Submit finishes a span and hands it to the collector. Spans submitted
// after Close or while the buffer is full are dropped.
func (t *Tracer) Submit(span *Span) {
	span.finish()
	defer func() { _ = recover() }()

	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span", zap.String("trace_id", string(span.TraceID)))
	}
}

func (t *Tracer) collect() {
	defer close(t.done)
	for span := range t.spans {
		t.report(span)
	}
}

func (t *Tracer) report(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.String("service", t.service),
		zap.Duration("duration", span.Duration),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	for k, v := range span.Tags() {
		fields = append(fields, zap.String(k, v))
	}
	if span.Err != nil {
		t.logger.Warn("span completed with error", append(fields, zap.Error(span.Err))...)
		return
	}
	t.logger.Debug("span completed", fields...)
}

// Close drains buffered spans and stops the collector.
func (t *Tracer) Close() {
	t.once.Do(func() {
		close(t.spans)
		<-t.done
	})
}

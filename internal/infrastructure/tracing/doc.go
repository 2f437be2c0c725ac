/*
Package tracing provides lightweight request and dispatch tracing.

Spans are collected on a buffered channel and reported as zap log lines.
Trace context arrives in the X-Trace-ID and X-Span-ID headers and travels
inside the process on the context.Context, so an evaluate request and the
prerequisite dispatches it causes share one trace id. Kernels run out of
band and are not traced.

# Usage

	tracer := tracing.New("notebook-kernel", logger)
	router.Use(tracing.HTTPMiddleware(tracer))

	err := tracer.Trace(ctx, "orchestrator.enqueue", map[string]string{"cell_id": cellID},
		func(ctx context.Context) error {
			meta, err := enqueue(ctx)
			tracing.Annotate(ctx, "execution_id", meta.ExecutionID.String())
			return err
		})
*/
package tracing

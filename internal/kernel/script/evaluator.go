// Package script evaluates TypeScript cells: it links prerequisite
// executions, builds the cell and runs it in the document's sandbox.
package script

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/builder"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/sandbox"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// Evaluator runs script executions of one document
type Evaluator struct {
	layout   workspace.Layout
	runtime  *sandbox.Runtime
	builder  *builder.Builder
	observer artifact.Observer
	logger   *zap.Logger
}

// New creates an evaluator over a running sandbox. The evaluator owns the
// runtime and closes it.
func New(layout workspace.Layout, runtime *sandbox.Runtime, observer artifact.Observer, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		layout:   layout,
		runtime:  runtime,
		builder:  builder.New(logger),
		observer: observer,
		logger:   logger,
	}
}

// Language implements kernel.Evaluator
func (e *Evaluator) Language() types.Language {
	return types.LanguageTypeScript
}

// SetEnv replaces process.env for later executions
func (e *Evaluator) SetEnv(env map[string]string) {
	e.runtime.SetEnv(env)
}

// Evaluate runs one execution. Every failure is recorded as an error
// artifact before it is returned; the meta is back-filled either way.
func (e *Evaluator) Evaluate(ctx context.Context, meta types.ExecutionMeta, source string) error {
	start := time.Now()
	dir := e.layout.ExecutionDir(meta.DocumentID, meta.ExecutionID)
	writer := artifact.NewWriter(dir, meta.ExecutionID)
	if e.observer != nil {
		writer.WithObserver(e.observer)
	}

	report, err := e.evaluate(ctx, meta, source, dir, writer, start)
	if err != nil {
		if _, werr := writer.Write(result.FailureFrom(meta.ExecutionID, time.Since(start), err)); werr != nil {
			e.logger.Error("Failed to write error artifact",
				zap.String("execution_id", meta.ExecutionID.String()),
				zap.Error(werr),
			)
		}
	}

	if merr := e.layout.MarkEvaluated(meta, report.ExportKeys); merr != nil {
		e.logger.Warn("Failed to back-fill execution meta",
			zap.String("execution_id", meta.ExecutionID.String()),
			zap.Error(merr),
		)
	}
	return err
}

func (e *Evaluator) evaluate(ctx context.Context, meta types.ExecutionMeta, source, dir string, writer *artifact.Writer, start time.Time) (sandbox.Report, error) {
	links, err := e.links(meta)
	if err != nil {
		return sandbox.Report{}, err
	}
	code, err := e.builder.Build(ctx, builder.Input{Source: source, Links: links})
	if err != nil {
		return sandbox.Report{}, err
	}
	return e.runtime.Evaluate(ctx, sandbox.Module{
		Specifier: dir,
		Code:      code,
		Writer:    writer,
		Start:     start,
	})
}

// links resolves each prerequisite to the export surface it left in this
// runtime. A prerequisite that never evaluated here cannot be linked; one
// that evaluated without exports, including one that threw, has nothing
// to import and is skipped.
func (e *Evaluator) links(meta types.ExecutionMeta) ([]builder.Link, error) {
	links := make([]builder.Link, 0, len(meta.LinkedExecutionIDs))
	for _, linked := range meta.LinkedExecutionIDs {
		prereq, err := workspace.ReadMeta(e.layout.MetaPath(meta.DocumentID, linked))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, result.LinkError("linked execution %s does not exist", linked)
			}
			return nil, result.LinkError("linked execution %s is unreadable: %v", linked, err)
		}
		if prereq.Evaluated() && len(prereq.ExportKeys) == 0 {
			continue
		}
		dir := e.layout.ExecutionDir(meta.DocumentID, linked)
		if !prereq.Evaluated() || !e.runtime.HasModule(dir) {
			return nil, result.LinkError("linked execution %s has no exports in this runtime", linked)
		}
		links = append(links, builder.Link{
			ExecutionID: linked,
			Specifier:   dir,
			Exports:     prereq.ExportKeys,
		})
	}
	return links, nil
}

// Close stops the sandbox
func (e *Evaluator) Close() error {
	if err := e.runtime.Close(); err != nil {
		return fmt.Errorf("failed to close sandbox: %w", err)
	}
	return nil
}

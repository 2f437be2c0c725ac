package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/document"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/environment"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/runtime"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/deps"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/queue"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

var (
	ErrNotExecutable      = errors.New("cell language is not executable")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrOrchestratorClosed = errors.New("orchestrator closed")
)

// Dispatch reasons recorded in metrics
const (
	ReasonRequested    = "requested"
	ReasonPrerequisite = "prerequisite"
)

// Runtimes provisions the runtime of a document and language
type Runtimes interface {
	Ensure(ctx context.Context, documentID string, language types.Language) (runtime.Runtime, bool, error)
}

// Options configures an Orchestrator
type Options struct {
	Layout       workspace.Layout
	Documents    document.Store
	Environments environment.Source
	Runtimes     Runtimes
	Extractor    *deps.Extractor
	QueueSize    int
	Timeout      time.Duration
	Metrics      *monitoring.Metrics
	Tracer       *tracing.Tracer
	Logger       *zap.Logger
}

// Orchestrator turns evaluation requests into execution folders. Requests
// are handled one at a time; evaluation itself happens in the runtime's
// kernel and surfaces through the watcher.
type Orchestrator struct {
	layout       workspace.Layout
	documents    document.Store
	environments environment.Source
	runtimes     Runtimes
	extractor    *deps.Extractor
	queue        *queue.Queue
	metrics      *monitoring.Metrics
	tracer       *tracing.Tracer
	logger       *zap.Logger
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Environments == nil {
		opts.Environments = environment.Static{}
	}
	if opts.Extractor == nil {
		opts.Extractor = deps.NewExtractor(opts.Logger, nil)
	}
	return &Orchestrator{
		layout:       opts.Layout,
		documents:    opts.Documents,
		environments: opts.Environments,
		runtimes:     opts.Runtimes,
		extractor:    opts.Extractor,
		queue:        queue.New("orchestrator", opts.QueueSize, opts.Timeout, opts.Logger),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       opts.Logger,
	}
}

// Enqueue requests an evaluation of a cell. Stale prerequisites, earlier
// cells of the same language whose latest execution predates their
// content, are requested first and linked in document order. It returns
// once the execution folder is written.
func (o *Orchestrator) Enqueue(ctx context.Context, documentID, cellID string) (types.ExecutionMeta, error) {
	var meta types.ExecutionMeta
	job := func(jobCtx context.Context) error {
		var err error
		meta, err = o.enqueue(jobCtx, documentID, cellID)
		return err
	}

	err := o.trace(ctx, "orchestrator.enqueue", map[string]string{"document_id": documentID, "cell_id": cellID}, func(ctx context.Context) error {
		err := o.queue.Do(ctx, "enqueue:"+documentID+"/"+cellID, job)
		if o.metrics != nil {
			o.metrics.SetQueueDepth("orchestrator", o.queue.Len())
		}
		return err
	})
	if errors.Is(err, queue.ErrClosed) {
		return types.ExecutionMeta{}, ErrOrchestratorClosed
	}
	return meta, err
}

func (o *Orchestrator) trace(ctx context.Context, name string, tags map[string]string, fn func(context.Context) error) error {
	if o.tracer == nil {
		return fn(ctx)
	}
	return o.tracer.Trace(ctx, name, tags, fn)
}

func (o *Orchestrator) enqueue(ctx context.Context, documentID, cellID string) (types.ExecutionMeta, error) {
	doc, err := o.documents.Get(ctx, documentID)
	if err != nil {
		return types.ExecutionMeta{}, err
	}
	cell, pos, ok := doc.Cell(cellID)
	if !ok {
		return types.ExecutionMeta{}, fmt.Errorf("%w: %s", document.ErrCellNotFound, cellID)
	}
	if !cell.Language.Executable() {
		return types.ExecutionMeta{}, fmt.Errorf("%w: %s", ErrNotExecutable, cell.Language)
	}

	rt, created, err := o.runtimes.Ensure(ctx, doc.ID, cell.Language)
	if err != nil {
		return types.ExecutionMeta{}, err
	}

	metas, err := o.layout.Executions(doc.ID)
	if err != nil {
		return types.ExecutionMeta{}, err
	}
	latest := workspace.LatestByCell(metas)

	// A fresh runtime holds no exports, so nothing before the cell is
	// linkable without running it again.
	var linked []id.ExecutionID
	for _, prev := range doc.Cells[:pos] {
		if prev.Language != cell.Language {
			continue
		}
		last, ok := latest[prev.ID]
		if ok && !created && !last.OlderThan(prev) {
			linked = append(linked, last.ExecutionID)
			continue
		}
		meta, err := o.dispatch(ctx, doc, prev, linked, ReasonPrerequisite)
		if err != nil {
			return types.ExecutionMeta{}, fmt.Errorf("failed to request prerequisite %s: %w", prev.ID, err)
		}
		linked = append(linked, meta.ExecutionID)
	}

	meta, err := o.dispatch(ctx, doc, cell, linked, ReasonRequested)
	if err != nil {
		return types.ExecutionMeta{}, err
	}
	tracing.Annotate(ctx, "execution_id", meta.ExecutionID.String())
	tracing.Annotate(ctx, "linked", strconv.Itoa(len(linked)))
	o.logger.Info("Execution requested",
		zap.String("document_id", doc.ID),
		zap.String("cell_id", cell.ID),
		zap.String("execution_id", meta.ExecutionID.String()),
		zap.String("runtime", rt.Handle.String()),
		zap.Int("linked", len(linked)),
	)
	return meta, nil
}

// dispatch writes one execution folder. The manifest and environment are
// synchronized first so the kernel installs and reloads before it sees the
// raw source.
func (o *Orchestrator) dispatch(ctx context.Context, doc types.Document, cell types.Cell, linked []id.ExecutionID, reason string) (types.ExecutionMeta, error) {
	if err := o.syncEnvironment(ctx, doc); err != nil {
		return types.ExecutionMeta{}, err
	}
	if cell.Language == types.LanguageTypeScript {
		if err := o.syncManifest(ctx, doc); err != nil {
			return types.ExecutionMeta{}, err
		}
	}

	meta := types.NewExecutionMeta(doc.ID, cell, linked)
	if err := o.layout.WriteMeta(meta); err != nil {
		return types.ExecutionMeta{}, fmt.Errorf("failed to write meta: %w", err)
	}
	raw := o.layout.RawSourcePath(doc.ID, meta.ExecutionID, cell.Language)
	if err := workspace.WriteFileAtomic(raw, []byte(cell.Content), 0o644); err != nil {
		return types.ExecutionMeta{}, fmt.Errorf("failed to write raw source: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordDispatch(cell.Language.String(), reason)
	}
	o.logger.Debug("Execution dispatched",
		zap.String("document_id", doc.ID),
		zap.String("cell_id", cell.ID),
		zap.String("execution_id", meta.ExecutionID.String()),
		zap.String("reason", reason),
	)
	return meta, nil
}

func (o *Orchestrator) syncManifest(ctx context.Context, doc types.Document) error {
	var sources []string
	for _, c := range doc.CellsOf(types.LanguageTypeScript) {
		sources = append(sources, c.Content)
	}
	manifest := workspace.NewManifest(doc.ID, o.extractor.Dependencies(ctx, sources...))
	changed, err := workspace.SyncManifest(o.layout.ManifestPath(doc.ID), manifest)
	if err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if changed {
		o.logger.Info("Dependency manifest updated",
			zap.String("document_id", doc.ID),
			zap.Strings("dependencies", manifest.DependencyNames()),
		)
	}
	return nil
}

func (o *Orchestrator) syncEnvironment(ctx context.Context, doc types.Document) error {
	env, err := o.environments.Resolve(ctx, doc.EnvironmentID)
	if err != nil {
		return fmt.Errorf("failed to resolve environment: %w", err)
	}
	if _, err := workspace.SyncEnv(o.layout.EnvPath(doc.ID), env); err != nil {
		return fmt.Errorf("failed to sync environment: %w", err)
	}
	return nil
}

// Latest returns the most recent execution of each cell of a document,
// oldest first.
func (o *Orchestrator) Latest(documentID string) ([]types.ExecutionMeta, error) {
	if err := workspace.ValidateSegment(documentID); err != nil {
		return nil, err
	}
	metas, err := o.layout.Executions(documentID)
	if err != nil {
		return nil, err
	}
	latest := workspace.LatestByCell(metas)
	out := make([]types.ExecutionMeta, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

// Result folds the artifacts of one execution with the merge rule.
// Malformed artifacts are skipped.
func (o *Orchestrator) Result(documentID string, exec id.ExecutionID) (result.Result, error) {
	if err := workspace.ValidateSegment(documentID); err != nil {
		return result.Result{}, err
	}
	if !id.IsValid(exec.String()) {
		return result.Result{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, exec)
	}
	dir := o.layout.ExecutionDir(documentID, exec)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return result.Result{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, exec)
	}

	history, err := artifact.ReadHistory(dir, func(path string, err error) {
		o.logger.Warn("Skipping malformed artifact", zap.String("path", path), zap.Error(err))
	})
	if err != nil {
		return result.Result{}, err
	}
	state := result.Fold(history)
	state.ExecutionID = exec
	return state, nil
}

// Close stops accepting requests
func (o *Orchestrator) Close() {
	o.queue.Close()
}

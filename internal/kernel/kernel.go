package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/deps"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/queue"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// DefaultPassthrough lists host variables copied into every sandbox
// environment unless the document sets them.
var DefaultPassthrough = []string{"HOSTNAME", "NODE_ENV"}

// ignored paths, relative to the document folder
var ignored = []string{
	workspace.NodeModules,
	workspace.NodeModules + "/**",
	"**/*" + workspace.TempSuffix,
}

// Options configures a Kernel
type Options struct {
	Layout     workspace.Layout
	DocumentID string
	// Since skips executions requested before the kernel existed; they
	// belong to an earlier runtime.
	Since       time.Time
	Timeout     time.Duration
	QueueSize   int
	Installer   deps.Installer
	Passthrough []string
	Metrics     Metrics
	Logger      *zap.Logger
}

// Kernel evaluates the executions of one document and language. It watches
// the document folder: a raw source appearing in an execution folder queues
// that execution, a manifest change queues a dependency install for script
// kernels and an environment file change reloads the sandbox environment.
type Kernel struct {
	opts      Options
	evaluator Evaluator
	language  types.Language
	docDir    string
	queue     *queue.Queue
	watcher   *fsnotify.Watcher
	logger    *zap.Logger

	mu   sync.Mutex
	seen map[id.ExecutionID]bool

	installPending atomic.Bool
	closeOnce      sync.Once
}

// New prepares a kernel and starts watching. Events are handled once Run
// is called.
func New(opts Options, evaluator Evaluator) (*Kernel, error) {
	if err := workspace.ValidateSegment(opts.DocumentID); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Installer == nil {
		opts.Installer = deps.NopInstaller{}
	}
	if opts.Passthrough == nil {
		opts.Passthrough = DefaultPassthrough
	}

	docDir := opts.Layout.DocumentDir(opts.DocumentID)
	if err := os.MkdirAll(docDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", docDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	logger := opts.Logger.With(
		zap.String("document_id", opts.DocumentID),
		zap.String("language", evaluator.Language().String()),
	)
	k := &Kernel{
		opts:      opts,
		evaluator: evaluator,
		language:  evaluator.Language(),
		docDir:    docDir,
		queue:     queue.New("kernel", opts.QueueSize, opts.Timeout, logger),
		watcher:   watcher,
		logger:    logger,
		seen:      make(map[id.ExecutionID]bool),
	}

	if err := k.watchTree(); err != nil {
		k.queue.Close()
		_ = watcher.Close()
		return nil, err
	}
	k.reloadEnv()
	return k, nil
}

// Language returns the language this kernel evaluates
func (k *Kernel) Language() types.Language {
	return k.language
}

// watchTree watches the document folder and each execution folder
func (k *Kernel) watchTree() error {
	if err := k.watcher.Add(k.docDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", k.docDir, err)
	}
	entries, err := os.ReadDir(k.docDir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", k.docDir, err)
	}
	for _, e := range entries {
		if e.IsDir() && !k.ignored(e.Name()) {
			if err := k.watcher.Add(filepath.Join(k.docDir, e.Name())); err != nil {
				return fmt.Errorf("failed to watch %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// Run picks up the backlog, then handles workspace events until ctx is
// done or the kernel is closed.
func (k *Kernel) Run(ctx context.Context) error {
	if _, err := os.Stat(k.opts.Layout.ManifestPath(k.opts.DocumentID)); err == nil {
		k.scheduleInstall()
	}
	k.scan()

	k.logger.Info("Kernel started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-k.watcher.Events:
			if !ok {
				return nil
			}
			k.handle(event)
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return nil
			}
			k.logger.Warn("Workspace watcher error", zap.Error(err))
		}
	}
}

func (k *Kernel) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	rel, err := filepath.Rel(k.docDir, event.Name)
	if err != nil || k.ignored(rel) {
		return
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		switch name := parts[0]; name {
		case workspace.ManifestFile:
			k.scheduleInstall()
		case workspace.EnvFile:
			k.reloadEnv()
		default:
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := k.watcher.Add(event.Name); err != nil {
					k.logger.Warn("Failed to watch execution folder", zap.String("path", event.Name), zap.Error(err))
					return
				}
				// The raw source may have landed before the watch did.
				k.intake(event.Name)
			}
		}
	case 2:
		if lang, ok := workspace.IsRawSource(parts[1]); ok && lang == k.language {
			k.intake(filepath.Dir(event.Name))
		}
	}
}

func (k *Kernel) ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range ignored {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// scan queues executions that were requested while nothing was watching.
func (k *Kernel) scan() {
	metas, err := k.opts.Layout.Executions(k.opts.DocumentID)
	if err != nil {
		k.logger.Warn("Failed to scan executions", zap.Error(err))
		return
	}
	for _, meta := range metas {
		k.intake(k.opts.Layout.ExecutionDir(k.opts.DocumentID, meta.ExecutionID))
	}
}

// intake queues the execution in dir once its meta and raw source are
// both present. Each execution is queued at most once.
func (k *Kernel) intake(dir string) {
	name := filepath.Base(dir)
	if !id.IsValid(name) {
		return
	}
	exec := id.ExecutionID(name)

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen[exec] {
		return
	}

	meta, err := workspace.ReadMeta(k.opts.Layout.MetaPath(k.opts.DocumentID, exec))
	if err != nil {
		return
	}
	if meta.Language != k.language || meta.Evaluated() || meta.CreateTimestamp.Before(k.opts.Since) {
		k.seen[exec] = true
		return
	}
	source, err := os.ReadFile(k.opts.Layout.RawSourcePath(k.opts.DocumentID, exec, k.language))
	if err != nil {
		return
	}

	if _, err := k.queue.Push(exec.String(), k.evaluateJob(meta, string(source))); err != nil {
		k.logger.Error("Failed to queue execution", zap.String("execution_id", exec.String()), zap.Error(err))
		return
	}
	k.seen[exec] = true
}

func (k *Kernel) evaluateJob(meta types.ExecutionMeta, source string) queue.Job {
	return func(ctx context.Context) error {
		start := time.Now()
		fields := []zap.Field{zap.String("execution_id", meta.ExecutionID.String()), zap.String("cell_id", meta.CellID)}
		k.logger.Info("Evaluating execution", fields...)

		err := k.evaluator.Evaluate(ctx, meta, source)
		elapsed := time.Since(start)
		if k.opts.Metrics != nil {
			k.opts.Metrics.RecordExecution(k.language.String(), Outcome(err), elapsed)
		}
		if err != nil {
			k.logger.Info("Execution failed", append(fields, zap.Duration("duration", elapsed), zap.Error(err))...)
			return err
		}
		k.logger.Info("Execution evaluated", append(fields, zap.Duration("duration", elapsed))...)
		return nil
	}
}

// Outcome labels an evaluation result for metrics
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	var execErr *result.ExecError
	if errors.As(err, &execErr) {
		return string(execErr.Kind)
	}
	return "error"
}

// scheduleInstall queues an install unless one is already waiting. The
// install reads the manifest when it runs, so coalesced changes are kept.
// Only script kernels resolve packages, so other languages never install.
func (k *Kernel) scheduleInstall() {
	if k.language != types.LanguageTypeScript {
		return
	}
	if !k.installPending.CompareAndSwap(false, true) {
		return
	}
	installer := k.opts.Installer
	_, err := k.queue.Push("install", func(ctx context.Context) error {
		k.installPending.Store(false)
		start := time.Now()
		err := installer.Install(ctx, k.docDir)
		status := "success"
		if err != nil {
			status = "error"
			k.logger.Error("Dependency install failed", zap.String("installer", installer.Name()), zap.Error(err))
		} else {
			k.logger.Info("Dependencies installed", zap.String("installer", installer.Name()), zap.Duration("duration", time.Since(start)))
		}
		if k.opts.Metrics != nil {
			k.opts.Metrics.RecordInstall(installer.Name(), status)
		}
		return err
	})
	if err != nil {
		k.installPending.Store(false)
		k.logger.Error("Failed to queue dependency install", zap.Error(err))
	}
}

// reloadEnv pushes the document environment into the evaluator
func (k *Kernel) reloadEnv() {
	env, err := workspace.LoadEnv(k.opts.Layout.EnvPath(k.opts.DocumentID))
	if err != nil {
		k.logger.Warn("Failed to load environment", zap.Error(err))
		return
	}
	for _, key := range k.opts.Passthrough {
		if _, set := env[key]; set {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	k.evaluator.SetEnv(env)
}

// Close stops watching, abandons queued work and closes the evaluator.
func (k *Kernel) Close() error {
	var err error
	k.closeOnce.Do(func() {
		werr := k.watcher.Close()
		k.queue.Close()
		err = errors.Join(werr, k.evaluator.Close())
		k.logger.Info("Kernel stopped")
	})
	return err
}

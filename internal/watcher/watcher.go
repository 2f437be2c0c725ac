package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/bus"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// ignored paths, relative to the workspace root
var ignored = []string{
	"*/" + workspace.NodeModules,
	"*/" + workspace.NodeModules + "/**",
	"*/" + workspace.ManifestFile,
	"*/package-lock.json",
	"*/" + workspace.EnvFile,
	"*/*/" + workspace.MetaFile,
	"*/*/" + workspace.RawPrefix + "*",
	"**/*" + workspace.TempSuffix,
}

// Metrics receives watcher counters
type Metrics interface {
	RecordWatcherEvent(variant string)
	IncWatcherParseErrors()
}

// Options configures a Watcher
type Options struct {
	Layout  workspace.Layout
	Bus     *bus.Bus
	Metrics Metrics
	Logger  *zap.Logger
}

// Watcher publishes every artifact that appears under the workspace root.
// fsnotify is not recursive, so document and execution folders are added
// as they are created and swept once on arrival for segments that landed
// before the watch.
type Watcher struct {
	layout  workspace.Layout
	bus     *bus.Bus
	metrics Metrics
	logger  *zap.Logger
	fs      *fsnotify.Watcher

	mu        sync.Mutex
	published map[string]map[string]bool // execution dir -> segment names

	closeOnce sync.Once
}

// New creates the workspace root if needed and starts watching it
func New(opts Options) (*Watcher, error) {
	if opts.Bus == nil {
		return nil, errors.New("watcher requires a bus")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Layout.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		layout:    opts.Layout,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		fs:        fw,
		published: make(map[string]map[string]bool),
	}
	if err := w.fs.Add(w.layout.Root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", w.layout.Root, err)
	}

	entries, err := os.ReadDir(w.layout.Root)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to read %s: %w", w.layout.Root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addDocument(filepath.Join(w.layout.Root, e.Name()), false)
		}
	}
	return w, nil
}

// Run handles filesystem events until ctx is done or the watcher closes
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("Workspace watcher started", zap.String("root", w.layout.Root))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Workspace watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.layout.Root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") || w.ignored(rel) {
		return
	}
	depth := len(strings.Split(filepath.ToSlash(rel), "/"))

	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.forget(event.Name)
		return
	}
	if event.Op&fsnotify.Create == 0 {
		// Segments become visible by rename and never change afterwards.
		return
	}

	switch depth {
	case 1:
		if isDir(event.Name) {
			w.addDocument(event.Name, true)
		}
	case 2:
		if isDir(event.Name) {
			w.addExecution(event.Name, true)
		}
	case 3:
		w.publish(event.Name)
	}
}

func (w *Watcher) ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range ignored {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) addDocument(dir string, sweep bool) {
	if err := w.fs.Add(dir); err != nil {
		w.logger.Warn("Failed to watch document folder", zap.String("path", dir), zap.Error(err))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != workspace.NodeModules {
			w.addExecution(filepath.Join(dir, e.Name()), sweep)
		}
	}
}

// addExecution watches an execution folder. With sweep set, segments
// already present are published; the initial tree is left to replay.
func (w *Watcher) addExecution(dir string, sweep bool) {
	if _, _, ok := w.layout.Locate(filepath.Join(dir, workspace.MetaFile)); !ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.logger.Warn("Failed to watch execution folder", zap.String("path", dir), zap.Error(err))
		return
	}
	paths, err := artifact.List(dir)
	if err != nil {
		return
	}
	for _, p := range paths {
		if sweep {
			w.publish(p)
		} else {
			w.markPublished(p)
		}
	}
}

func (w *Watcher) markPublished(path string) bool {
	dir, name := filepath.Dir(path), filepath.Base(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	names := w.published[dir]
	if names == nil {
		names = make(map[string]bool)
		w.published[dir] = names
	}
	if names[name] {
		return false
	}
	names[name] = true
	return true
}

func (w *Watcher) forget(path string) {
	prefix := path + string(filepath.Separator)

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.published {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(w.published, dir)
		}
	}
}

// publish decodes one segment and broadcasts it. Malformed segments are
// dropped.
func (w *Watcher) publish(path string) {
	if _, ok := artifact.KindOf(filepath.Base(path)); !ok {
		return
	}
	doc, exec, ok := w.layout.Locate(path)
	if !ok {
		return
	}
	if !w.markPublished(path) {
		return
	}

	r, err := artifact.ReadFile(path)
	if err != nil {
		if errors.Is(err, result.ErrWatcherParse) {
			w.logger.Warn("Dropping malformed artifact", zap.String("path", path), zap.Error(err))
			if w.metrics != nil {
				w.metrics.IncWatcherParseErrors()
			}
		} else {
			w.logger.Warn("Failed to read artifact", zap.String("path", path), zap.Error(err))
		}
		return
	}

	variant, _ := r.Variant()
	n := w.bus.Publish(bus.Event{DocumentID: doc, ExecutionID: exec, Segment: filepath.Base(path), Artifact: r})
	if w.metrics != nil {
		w.metrics.RecordWatcherEvent(string(variant))
	}
	w.logger.Debug("Artifact published",
		zap.String("document_id", doc),
		zap.String("execution_id", exec.String()),
		zap.String("variant", string(variant)),
		zap.Int("subscribers", n),
	)
}

// Replay reads the existing artifacts of each cell's latest execution,
// oldest execution first, as replay events. The caller hands them to its
// own subscriber, so other subscribers never see them.
func (w *Watcher) Replay(documentID string) ([]bus.Event, error) {
	if err := workspace.ValidateSegment(documentID); err != nil {
		return nil, err
	}
	metas, err := w.layout.Executions(documentID)
	if err != nil {
		return nil, err
	}
	latest := workspace.LatestByCell(metas)
	execs := make([]string, 0, len(latest))
	for _, m := range latest {
		execs = append(execs, m.ExecutionID.String())
	}
	sort.Strings(execs)

	var events []bus.Event
	for _, exec := range execs {
		paths, err := artifact.List(filepath.Join(w.layout.DocumentDir(documentID), exec))
		if err != nil {
			continue
		}
		for _, p := range paths {
			r, err := artifact.ReadFile(p)
			if err != nil {
				w.logger.Warn("Skipping malformed artifact in replay", zap.String("path", p), zap.Error(err))
				if w.metrics != nil {
					w.metrics.IncWatcherParseErrors()
				}
				continue
			}
			events = append(events, bus.Event{
				DocumentID:  documentID,
				ExecutionID: r.ExecutionID,
				Segment:     filepath.Base(p),
				Artifact:    r,
				Replay:      true,
			})
		}
	}
	return events, nil
}

// Close stops watching
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fs.Close()
		w.logger.Info("Workspace watcher stopped")
	})
	return err
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

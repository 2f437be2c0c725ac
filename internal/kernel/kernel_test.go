package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

const docID = "doc1"

type call struct {
	exec   id.ExecutionID
	source string
}

type fakeEvaluator struct {
	lang types.Language

	mu     sync.Mutex
	calls  []call
	env    map[string]string
	closed bool
}

func (f *fakeEvaluator) Language() types.Language { return f.lang }

func (f *fakeEvaluator) SetEnv(env map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = env
}

func (f *fakeEvaluator) Evaluate(_ context.Context, meta types.ExecutionMeta, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{exec: meta.ExecutionID, source: source})
	return nil
}

func (f *fakeEvaluator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEvaluator) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeEvaluator) Env() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env
}

type fakeInstaller struct {
	mu    sync.Mutex
	count int
}

func (f *fakeInstaller) Name() string { return "fake" }

func (f *fakeInstaller) Install(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *fakeInstaller) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func startKernel(t *testing.T, layout workspace.Layout, opts Options, eval *fakeEvaluator) *Kernel {
	t.Helper()
	opts.Layout = layout
	opts.DocumentID = docID
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	k, err := New(opts, eval)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = k.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = k.Close()
	})
	return k
}

func requestExecution(t *testing.T, layout workspace.Layout, lang types.Language, source string) types.ExecutionMeta {
	t.Helper()
	meta := types.NewExecutionMeta(docID, types.Cell{ID: "c1", Language: lang}, nil)
	require.NoError(t, layout.WriteMeta(meta))
	require.NoError(t, workspace.WriteFileAtomic(layout.RawSourcePath(docID, meta.ExecutionID, lang), []byte(source), 0o644))
	return meta
}

func TestKernelEvaluatesNewExecutions(t *testing.T) {
	layout := workspace.New(t.TempDir())
	eval := &fakeEvaluator{lang: types.LanguageTypeScript}
	startKernel(t, layout, Options{}, eval)

	first := requestExecution(t, layout, types.LanguageTypeScript, "1 + 1")
	second := requestExecution(t, layout, types.LanguageTypeScript, "2 + 2")

	assert.Eventually(t, func() bool { return len(eval.Calls()) == 2 }, 2*time.Second, 10*time.Millisecond)
	calls := eval.Calls()
	assert.Equal(t, call{exec: first.ExecutionID, source: "1 + 1"}, calls[0])
	assert.Equal(t, call{exec: second.ExecutionID, source: "2 + 2"}, calls[1])

	// Rewrites of the raw source do not queue the execution again.
	require.NoError(t, workspace.WriteFileAtomic(layout.RawSourcePath(docID, first.ExecutionID, types.LanguageTypeScript), []byte("3"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, eval.Calls(), 2)
}

func TestKernelIgnoresOtherLanguages(t *testing.T) {
	layout := workspace.New(t.TempDir())
	eval := &fakeEvaluator{lang: types.LanguageTypeScript}
	startKernel(t, layout, Options{}, eval)

	requestExecution(t, layout, types.LanguageChat, "hello")
	ts := requestExecution(t, layout, types.LanguageTypeScript, "1")

	assert.Eventually(t, func() bool { return len(eval.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ts.ExecutionID, eval.Calls()[0].exec)
}

func TestKernelPicksUpBacklog(t *testing.T) {
	layout := workspace.New(t.TempDir())
	stale := requestExecution(t, layout, types.LanguageTypeScript, "old")
	since := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	fresh := requestExecution(t, layout, types.LanguageTypeScript, "new")

	eval := &fakeEvaluator{lang: types.LanguageTypeScript}
	startKernel(t, layout, Options{Since: since}, eval)

	assert.Eventually(t, func() bool { return len(eval.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, fresh.ExecutionID, eval.Calls()[0].exec)
	assert.NotEqual(t, stale.ExecutionID, eval.Calls()[0].exec)
}

func TestKernelInstallsOnManifestChange(t *testing.T) {
	layout := workspace.New(t.TempDir())
	installer := &fakeInstaller{}
	startKernel(t, layout, Options{Installer: installer}, &fakeEvaluator{lang: types.LanguageTypeScript})

	_, err := workspace.SyncManifest(layout.ManifestPath(docID), workspace.NewManifest(docID, []string{"lodash"}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return installer.Count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestKernelInstallsOnlyForScripts(t *testing.T) {
	tests := []struct {
		name    string
		lang    types.Language
		install bool
	}{
		{name: "typescript", lang: types.LanguageTypeScript, install: true},
		{name: "chat", lang: types.LanguageChat, install: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := workspace.New(t.TempDir())
			// One manifest exists before the kernel starts, one change lands after.
			_, err := workspace.SyncManifest(layout.ManifestPath(docID), workspace.NewManifest(docID, []string{"lodash"}))
			require.NoError(t, err)

			installer := &fakeInstaller{}
			eval := &fakeEvaluator{lang: tt.lang}
			startKernel(t, layout, Options{Installer: installer}, eval)

			_, err = workspace.SyncManifest(layout.ManifestPath(docID), workspace.NewManifest(docID, []string{"lodash", "zod"}))
			require.NoError(t, err)

			// An execution queued behind any install marks when the queue has drained.
			requestExecution(t, layout, tt.lang, "1")
			assert.Eventually(t, func() bool { return len(eval.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
			if tt.install {
				assert.Eventually(t, func() bool { return installer.Count() >= 1 }, 2*time.Second, 10*time.Millisecond)
				return
			}
			time.Sleep(100 * time.Millisecond)
			assert.Zero(t, installer.Count())
		})
	}
}

func TestKernelReloadsEnvironment(t *testing.T) {
	t.Setenv("NODE_ENV", "test")
	layout := workspace.New(t.TempDir())
	eval := &fakeEvaluator{lang: types.LanguageTypeScript}
	startKernel(t, layout, Options{}, eval)

	assert.Equal(t, map[string]string{"NODE_ENV": "test"}, eval.Env())

	_, err := workspace.SyncEnv(layout.EnvPath(docID), map[string]string{"API_URL": "http://x", "NODE_ENV": "production"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[string]string{"API_URL": "http://x", "NODE_ENV": "production"}, eval.Env())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKernelCloseClosesEvaluator(t *testing.T) {
	layout := workspace.New(t.TempDir())
	eval := &fakeEvaluator{lang: types.LanguageTypeScript}
	k, err := New(Options{Layout: layout, DocumentID: docID}, eval)
	require.NoError(t, err)

	require.NoError(t, k.Close())
	require.NoError(t, k.Close())
	assert.True(t, eval.closed)
}

func TestNewRejectsInvalidDocument(t *testing.T) {
	_, err := New(Options{Layout: workspace.New(t.TempDir()), DocumentID: "../escape"}, &fakeEvaluator{})
	assert.Error(t, err)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	assert.Equal(t, "TimeoutError", Outcome(result.TimeoutError(time.Second)))
	assert.Equal(t, "BuildError", Outcome(result.BuildError("bad")))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestNewEvaluatorRejectsMarkdown(t *testing.T) {
	_, err := NewEvaluator(types.LanguageMarkdown, EvaluatorOptions{Layout: workspace.New(t.TempDir()), DocumentID: docID})
	assert.ErrorIs(t, err, ErrNotExecutable)
}

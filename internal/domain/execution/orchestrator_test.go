package execution

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/document"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/environment"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/runtime"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

type mockRuntimes struct {
	mock.Mock
}

func (m *mockRuntimes) Ensure(ctx context.Context, documentID string, language types.Language) (runtime.Runtime, bool, error) {
	args := m.Called(ctx, documentID, language)
	return args.Get(0).(runtime.Runtime), args.Bool(1), args.Error(2)
}

type fixture struct {
	layout   workspace.Layout
	docs     *document.FileStore
	runtimes *mockRuntimes
	orch     *Orchestrator
}

func newFixture(t *testing.T, envs environment.Static) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		layout:   workspace.New(filepath.Join(root, "workspace")),
		docs:     document.NewFileStore(filepath.Join(root, "documents")),
		runtimes: &mockRuntimes{},
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "documents"), 0o755))
	f.orch = New(Options{
		Layout:       f.layout,
		Documents:    f.docs,
		Environments: envs,
		Runtimes:     f.runtimes,
		Timeout:      5 * time.Second,
	})
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) save(t *testing.T, doc types.Document) {
	t.Helper()
	require.NoError(t, f.docs.Save(context.Background(), doc))
}

func (f *fixture) expectRuntime(doc string, lang types.Language, created bool) {
	f.runtimes.On("Ensure", mock.Anything, doc, lang).
		Return(runtime.Runtime{Handle: id.NewRuntimeHandle(), DocumentID: doc, Language: lang}, created, nil)
}

func cell(cellID string, lang types.Language, content string, at time.Time) types.Cell {
	return types.Cell{ID: cellID, Language: lang, Content: content, Timestamp: at}
}

func TestEnqueueWritesExecutionFolder(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, types.Document{ID: "doc1", Cells: []types.Cell{
		cell("a", types.LanguageTypeScript, `import _ from "lodash"; export const x = 1`, time.Now()),
	}})
	f.expectRuntime("doc1", types.LanguageTypeScript, false)

	meta, err := f.orch.Enqueue(context.Background(), "doc1", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", meta.CellID)
	assert.Empty(t, meta.LinkedExecutionIDs)
	assert.False(t, meta.Evaluated())

	stored, err := workspace.ReadMeta(f.layout.MetaPath("doc1", meta.ExecutionID))
	require.NoError(t, err)
	assert.Equal(t, meta.ExecutionID, stored.ExecutionID)

	raw, err := os.ReadFile(f.layout.RawSourcePath("doc1", meta.ExecutionID, types.LanguageTypeScript))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "export const x = 1")

	manifest, err := workspace.ReadManifest(f.layout.ManifestPath("doc1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"lodash"}, manifest.DependencyNames())
	f.runtimes.AssertExpectations(t)
}

func TestEnqueuePrerequisites(t *testing.T) {
	base := time.Now().Add(-time.Hour)

	t.Run("stale prerequisites chain in order", func(t *testing.T) {
		f := newFixture(t, nil)
		f.save(t, types.Document{ID: "doc1", Cells: []types.Cell{
			cell("a", types.LanguageTypeScript, "export const a = 1", base),
			cell("m", types.LanguageMarkdown, "# notes", base),
			cell("b", types.LanguageTypeScript, "export const b = 2", base),
			cell("c", types.LanguageTypeScript, "export default 3", base),
		}})
		f.expectRuntime("doc1", types.LanguageTypeScript, false)

		meta, err := f.orch.Enqueue(context.Background(), "doc1", "c")
		require.NoError(t, err)
		require.Len(t, meta.LinkedExecutionIDs, 2)

		metas, err := f.layout.Executions("doc1")
		require.NoError(t, err)
		require.Len(t, metas, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{metas[0].CellID, metas[1].CellID, metas[2].CellID})
		assert.Empty(t, metas[0].LinkedExecutionIDs)
		assert.Equal(t, []id.ExecutionID{metas[0].ExecutionID}, metas[1].LinkedExecutionIDs)
		assert.Equal(t, []id.ExecutionID{metas[0].ExecutionID, metas[1].ExecutionID}, meta.LinkedExecutionIDs)
	})

	t.Run("fresh prerequisites are reused", func(t *testing.T) {
		f := newFixture(t, nil)
		f.save(t, types.Document{ID: "doc1", Cells: []types.Cell{
			cell("a", types.LanguageTypeScript, "export const a = 1", base),
			cell("b", types.LanguageTypeScript, "export default a", base),
		}})
		f.expectRuntime("doc1", types.LanguageTypeScript, false)

		first, err := f.orch.Enqueue(context.Background(), "doc1", "a")
		require.NoError(t, err)

		meta, err := f.orch.Enqueue(context.Background(), "doc1", "b")
		require.NoError(t, err)
		assert.Equal(t, []id.ExecutionID{first.ExecutionID}, meta.LinkedExecutionIDs)

		metas, err := f.layout.Executions("doc1")
		require.NoError(t, err)
		assert.Len(t, metas, 2)
	})

	t.Run("edited prerequisite is requested again", func(t *testing.T) {
		f := newFixture(t, nil)
		f.save(t, types.Document{ID: "doc1", Cells: []types.Cell{
			cell("a", types.LanguageTypeScript, "export const a = 1", base),
			cell("b", types.LanguageTypeScript, "export default a", base),
		}})
		f.expectRuntime("doc1", types.LanguageTypeScript, false)

		first, err := f.orch.Enqueue(context.Background(), "doc1", "a")
		require.NoError(t, err)

		doc, err := f.docs.Get(context.Background(), "doc1")
		require.NoError(t, err)
		f.save(t, doc.WithCell(cell("a", types.LanguageTypeScript, "export const a = 2", time.Now().Add(time.Minute))))

		meta, err := f.orch.Enqueue(context.Background(), "doc1", "b")
		require.NoError(t, err)
		require.Len(t, meta.LinkedExecutionIDs, 1)
		assert.NotEqual(t, first.ExecutionID, meta.LinkedExecutionIDs[0])
	})

	t.Run("new runtime reruns everything", func(t *testing.T) {
		f := newFixture(t, nil)
		f.save(t, types.Document{ID: "doc1", Cells: []types.Cell{
			cell("a", types.LanguageTypeScript, "export const a = 1", base),
			cell("b", types.LanguageTypeScript, "export default a", base),
		}})
		f.runtimes.On("Ensure", mock.Anything, "doc1", types.LanguageTypeScript).
			Return(runtime.Runtime{Handle: id.NewRuntimeHandle()}, false, nil).Once()
		f.runtimes.On("Ensure", mock.Anything, "doc1", types.LanguageTypeScript).
			Return(runtime.Runtime{Handle: id.NewRuntimeHandle()}, true, nil).Once()

		first, err := f.orch.Enqueue(context.Background(), "doc1", "a")
		require.NoError(t, err)

		meta, err := f.orch.Enqueue(context.Background(), "doc1", "b")
		require.NoError(t, err)
		require.Len(t, meta.LinkedExecutionIDs, 1)
		assert.NotEqual(t, first.ExecutionID, meta.LinkedExecutionIDs[0])
		f.runtimes.AssertExpectations(t)
	})
}

func TestEnqueueChatSyncsEnvironment(t *testing.T) {
	f := newFixture(t, environment.Static{"dev": {"CHAT_MODEL": "small"}})
	f.save(t, types.Document{ID: "doc1", EnvironmentID: "dev", Cells: []types.Cell{
		cell("p", types.LanguageChat, "hello", time.Now()),
	}})
	f.expectRuntime("doc1", types.LanguageChat, false)

	meta, err := f.orch.Enqueue(context.Background(), "doc1", "p")
	require.NoError(t, err)
	assert.Equal(t, types.LanguageChat, meta.Language)

	env, err := workspace.LoadEnv(f.layout.EnvPath("doc1"))
	require.NoError(t, err)
	assert.Equal(t, "small", env["CHAT_MODEL"])

	_, err = os.Stat(f.layout.ManifestPath("doc1"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnqueueErrors(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		cellID string
		want   error
	}{
		{name: "unknown document", doc: "missing", cellID: "a", want: document.ErrDocumentNotFound},
		{name: "unknown cell", doc: "doc1", cellID: "zz", want: document.ErrCellNotFound},
		{name: "markdown cell", doc: "doc1", cellID: "m", want: ErrNotExecutable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.save(t, types.Document{ID: "doc1", Cells: []types.Cell{
				cell("m", types.LanguageMarkdown, "# title", time.Now()),
			}})

			_, err := f.orch.Enqueue(context.Background(), tt.doc, tt.cellID)
			assert.ErrorIs(t, err, tt.want)
			f.runtimes.AssertNotCalled(t, "Ensure", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("unknown environment", func(t *testing.T) {
		f := newFixture(t, environment.Static{})
		f.save(t, types.Document{ID: "doc1", EnvironmentID: "prod", Cells: []types.Cell{
			cell("a", types.LanguageTypeScript, "1", time.Now()),
		}})
		f.expectRuntime("doc1", types.LanguageTypeScript, false)

		_, err := f.orch.Enqueue(context.Background(), "doc1", "a")
		assert.ErrorIs(t, err, environment.ErrEnvironmentNotFound)

		metas, err := f.layout.Executions("doc1")
		require.NoError(t, err)
		assert.Empty(t, metas)
	})

	t.Run("closed", func(t *testing.T) {
		f := newFixture(t, nil)
		f.orch.Close()
		_, err := f.orch.Enqueue(context.Background(), "doc1", "a")
		assert.ErrorIs(t, err, ErrOrchestratorClosed)
	})
}

func TestLatestAndResult(t *testing.T) {
	f := newFixture(t, nil)
	f.save(t, types.Document{ID: "doc1", Cells: []types.Cell{
		cell("a", types.LanguageTypeScript, "export const a = 1", time.Now().Add(-time.Hour)),
	}})
	f.expectRuntime("doc1", types.LanguageTypeScript, false)

	first, err := f.orch.Enqueue(context.Background(), "doc1", "a")
	require.NoError(t, err)

	doc, err := f.docs.Get(context.Background(), "doc1")
	require.NoError(t, err)
	f.save(t, doc.WithCell(cell("a", types.LanguageTypeScript, "export const a = 2", time.Now().Add(time.Minute))))
	second, err := f.orch.Enqueue(context.Background(), "doc1", "a")
	require.NoError(t, err)

	latest, err := f.orch.Latest("doc1")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, second.ExecutionID, latest[0].ExecutionID)

	w := artifact.NewWriter(f.layout.ExecutionDir("doc1", first.ExecutionID), first.ExecutionID)
	_, err = w.Write(result.NewSuccess(first.ExecutionID, time.Millisecond, map[string]string{"a": "1"}))
	require.NoError(t, err)

	state, err := f.orch.Result("doc1", first.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, state.Success)
	assert.Equal(t, "1", state.Success.SerializedExports["a"])

	_, err = f.orch.Result("doc1", id.NewExecutionID())
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	_, err = f.orch.Latest("../escape")
	assert.Error(t, err)
}

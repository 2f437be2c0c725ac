package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/sandbox"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

const docID = "doc1"

func newEvaluator(t *testing.T) (*Evaluator, workspace.Layout) {
	t.Helper()
	layout := workspace.New(t.TempDir())
	rt, err := sandbox.New(sandbox.Config{FlushInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	e := New(layout, rt, nil, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e, layout
}

func request(t *testing.T, layout workspace.Layout, cellID string, linked ...id.ExecutionID) types.ExecutionMeta {
	t.Helper()
	cell := types.Cell{ID: cellID, Language: types.LanguageTypeScript}
	meta := types.NewExecutionMeta(docID, cell, linked)
	require.NoError(t, layout.WriteMeta(meta))
	return meta
}

func folded(t *testing.T, layout workspace.Layout, exec id.ExecutionID) result.Result {
	t.Helper()
	history, err := artifact.ReadHistory(layout.ExecutionDir(docID, exec), nil)
	require.NoError(t, err)
	return result.Fold(history)
}

func errorValue(t *testing.T, state result.Result) serialize.Value {
	t.Helper()
	require.NotNil(t, state.Error)
	v, err := serialize.Decode(state.Error.Data)
	require.NoError(t, err)
	return v
}

func TestEvaluateBackfillsMeta(t *testing.T) {
	e, layout := newEvaluator(t)
	meta := request(t, layout, "a")

	require.NoError(t, e.Evaluate(context.Background(), meta, "1 + 1"))

	state := folded(t, layout, meta.ExecutionID)
	require.NotNil(t, state.Success)
	assert.Equal(t, map[string]string{"default": "2"}, state.Success.SerializedExports)

	stored, err := workspace.ReadMeta(layout.MetaPath(docID, meta.ExecutionID))
	require.NoError(t, err)
	assert.True(t, stored.Evaluated())
	assert.Equal(t, []string{"default"}, stored.ExportKeys)
}

func TestEvaluateSyntaxError(t *testing.T) {
	e, layout := newEvaluator(t)
	meta := request(t, layout, "a")

	err := e.Evaluate(context.Background(), meta, "const = ;")
	require.Error(t, err)
	assert.True(t, result.IsKind(err, result.KindBuild))

	history, err := artifact.ReadHistory(layout.ExecutionDir(docID, meta.ExecutionID), nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "BuildError", errorValue(t, history[0]).Typename)

	stored, err := workspace.ReadMeta(layout.MetaPath(docID, meta.ExecutionID))
	require.NoError(t, err)
	assert.True(t, stored.Evaluated())
	assert.Empty(t, stored.ExportKeys)
}

func TestEvaluateLinksPrerequisites(t *testing.T) {
	e, layout := newEvaluator(t)
	first := request(t, layout, "a")
	require.NoError(t, e.Evaluate(context.Background(), first, "export const a = 2\nexport default 'first'"))

	second := request(t, layout, "b", first.ExecutionID)
	src := "a * 3 + " + "_" + first.ExecutionID.String() + ".length"
	require.NoError(t, e.Evaluate(context.Background(), second, src))

	assert.Equal(t, "11", folded(t, layout, second.ExecutionID).Success.SerializedExports["default"])
}

func TestEvaluateLinkErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, e *Evaluator, layout workspace.Layout) id.ExecutionID
	}{
		{
			name: "missing prerequisite",
			setup: func(t *testing.T, _ *Evaluator, _ workspace.Layout) id.ExecutionID {
				return id.NewExecutionID()
			},
		},
		{
			name: "prerequisite never evaluated",
			setup: func(t *testing.T, _ *Evaluator, layout workspace.Layout) id.ExecutionID {
				return request(t, layout, "a").ExecutionID
			},
		},
		{
			name: "prerequisite evaluated by another runtime",
			setup: func(t *testing.T, _ *Evaluator, layout workspace.Layout) id.ExecutionID {
				meta := request(t, layout, "a")
				now := time.Now().UTC()
				meta.ExecuteTimestamp = &now
				meta.ExportKeys = []string{"a"}
				require.NoError(t, layout.WriteMeta(meta))
				return meta.ExecutionID
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, layout := newEvaluator(t)
			prereq := tt.setup(t, e, layout)

			meta := request(t, layout, "b", prereq)
			err := e.Evaluate(context.Background(), meta, "1")
			require.Error(t, err)
			assert.True(t, result.IsKind(err, result.KindLink))

			state := folded(t, layout, meta.ExecutionID)
			assert.Nil(t, state.Success)
			assert.Equal(t, "LinkError", errorValue(t, state).Typename)
		})
	}
}

func TestEvaluateSkipsPrerequisitesWithoutExports(t *testing.T) {
	tests := []struct {
		name   string
		source string
		fails  bool
	}{
		{name: "prerequisite threw", source: "throw new Error('x')", fails: true},
		{name: "prerequisite built nothing", source: "const = ;", fails: true},
		{name: "prerequisite exported nothing", source: "if (true) {}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, layout := newEvaluator(t)
			prereq := request(t, layout, "a")
			err := e.Evaluate(context.Background(), prereq, tt.source)
			if tt.fails {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			meta := request(t, layout, "b", prereq.ExecutionID)
			require.NoError(t, e.Evaluate(context.Background(), meta, "40 + 2"))

			state := folded(t, layout, meta.ExecutionID)
			require.NotNil(t, state.Success)
			assert.Equal(t, "42", state.Success.SerializedExports["default"])
			assert.Nil(t, state.Error)
		})
	}
}

func TestEvaluateFailedPrerequisiteKeepsLaterLinks(t *testing.T) {
	e, layout := newEvaluator(t)
	ok := request(t, layout, "a")
	require.NoError(t, e.Evaluate(context.Background(), ok, "export const base = 10"))
	failed := request(t, layout, "b", ok.ExecutionID)
	require.Error(t, e.Evaluate(context.Background(), failed, "throw new Error('x')"))

	meta := request(t, layout, "c", ok.ExecutionID, failed.ExecutionID)
	require.NoError(t, e.Evaluate(context.Background(), meta, "base + 1"))
	assert.Equal(t, "11", folded(t, layout, meta.ExecutionID).Success.SerializedExports["default"])
}

func TestEvaluateThrownValueIsKept(t *testing.T) {
	e, layout := newEvaluator(t)
	meta := request(t, layout, "a")

	err := e.Evaluate(context.Background(), meta, "console.log('before'); throw new RangeError('out of range')")
	require.Error(t, err)

	state := folded(t, layout, meta.ExecutionID)
	thrown := errorValue(t, state)
	assert.Equal(t, "RangeError", thrown.Typename)
	assert.Equal(t, "out of range", thrown.Message)
	assert.Len(t, state.Logs, 1)
}

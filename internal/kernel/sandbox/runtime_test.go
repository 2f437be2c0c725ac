package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/builder"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

type rejectionCounter struct{ n atomic.Int32 }

func (c *rejectionCounter) IncRejectionsSwallowed() { c.n.Add(1) }

type harness struct {
	t    *testing.T
	rt   *Runtime
	root string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	cfg.FlushInterval = 5 * time.Millisecond
	rt, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return &harness{t: t, rt: rt, root: t.TempDir()}
}

type run struct {
	exec   id.ExecutionID
	dir    string
	report Report
	err    error
}

func (h *harness) eval(ctx context.Context, source string, links ...builder.Link) run {
	h.t.Helper()
	code, err := builder.New(nil).Build(ctx, builder.Input{Source: source, Links: links})
	require.NoError(h.t, err)

	exec := id.NewExecutionID()
	dir := filepath.Join(h.root, exec.String())
	require.NoError(h.t, os.MkdirAll(dir, 0o755))

	report, err := h.rt.Evaluate(ctx, Module{
		Specifier: dir,
		Code:      code,
		Writer:    artifact.NewWriter(dir, exec),
		Start:     time.Now(),
	})
	return run{exec: exec, dir: dir, report: report, err: err}
}

func (r run) link() builder.Link {
	return builder.Link{ExecutionID: r.exec, Specifier: r.dir, Exports: r.report.ExportKeys}
}

func (h *harness) state(r run) result.Result {
	h.t.Helper()
	history, err := artifact.ReadHistory(r.dir, nil)
	require.NoError(h.t, err)
	return result.Fold(history)
}

func TestEvaluateBareExpression(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.eval(context.Background(), "1 + 1")
	require.NoError(t, r.err)

	state := h.state(r)
	require.NotNil(t, state.Success)
	assert.Equal(t, map[string]string{"default": "2"}, state.Success.SerializedExports)
	assert.Nil(t, state.Error)
	assert.Empty(t, state.Deferred)
	assert.Equal(t, []string{"default"}, r.report.ExportKeys)
}

func TestEvaluateNoExportsIsEmptySuccess(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.eval(context.Background(), "function f() {}")
	require.NoError(t, r.err)

	state := h.state(r)
	require.NotNil(t, state.Success)
	assert.Empty(t, state.Success.SerializedExports)
}

func TestEvaluateCapturesConsole(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.eval(context.Background(), "console.log('hi', 2); console.warn({ a: 1 }); export const x = 1")
	require.NoError(t, r.err)

	state := h.state(r)
	require.Len(t, state.Logs, 2)
	assert.Equal(t, result.LevelLog, state.Logs[0].Level)
	assert.JSONEq(t, `["hi",2]`, string(state.Logs[0].Args))
	assert.Equal(t, result.LevelWarn, state.Logs[1].Level)
}

func TestEvaluateThrowIsEvaluationError(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.eval(context.Background(), "throw new TypeError('nope')")

	require.Error(t, r.err)
	assert.True(t, result.IsKind(r.err, result.KindEvaluation))
	assert.Contains(t, r.err.Error(), "nope")
	assert.Nil(t, h.state(r).Success)
}

func TestEvaluateDeferredExports(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.eval(context.Background(), `
export const ok = new Promise((resolve) => setTimeout(() => resolve(5), 10))
export const bad = Promise.reject(new Error('late'))
`)
	require.NoError(t, r.err)
	assert.ElementsMatch(t, []string{"ok", "bad"}, r.report.Deferred)

	assert.Eventually(t, func() bool {
		return len(h.state(r).Deferred) == 2
	}, 2*time.Second, 10*time.Millisecond)

	state := h.state(r)
	pending, err := serialize.Decode(state.Success.SerializedExports["ok"])
	require.NoError(t, err)
	assert.True(t, pending.IsPending())

	assert.Equal(t, result.Resolved, state.Deferred["ok"].Result)
	assert.Equal(t, "5", state.Deferred["ok"].Serialized)
	assert.Equal(t, result.Rejected, state.Deferred["bad"].Result)

	history, err := artifact.ReadHistory(r.dir, nil)
	require.NoError(t, err)
	assert.NoError(t, result.CheckHistory(history))
}

func TestEvaluateLinkedExports(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.eval(context.Background(), "export const a = 2")
	require.NoError(t, first.err)
	assert.True(t, h.rt.HasModule(first.dir))

	second := h.eval(context.Background(), "a * 3", first.link())
	require.NoError(t, second.err)
	assert.Equal(t, "6", h.state(second).Success.SerializedExports["default"])
}

func TestEvaluateDropsLeakedGlobals(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.eval(context.Background(), "globalThis.leaked = 1; 0").err)

	r := h.eval(context.Background(), "typeof leaked")
	require.NoError(t, r.err)
	assert.Equal(t, `"undefined"`, h.state(r).Success.SerializedExports["default"])
}

func TestEvaluateRestoresBuiltins(t *testing.T) {
	tests := []struct {
		name   string
		mutate string
		check  string
		want   string
	}{
		{
			name:   "prototype and namespace overrides",
			mutate: "Array.prototype.leak = 42; Math.max = () => -1; 1",
			check:  "[typeof [].leak, Math.max(1, 2)]",
			want:   `["undefined",2]`,
		},
		{
			name:   "deleted builtin",
			mutate: "delete JSON.stringify; delete globalThis.Map; 1",
			check:  "[typeof JSON.stringify, typeof Map]",
			want:   `["function","function"]`,
		},
		{
			name:   "replaced iterator and polluted Object.prototype",
			mutate: "Array.prototype[Symbol.iterator] = function* () {}; Object.prototype.get = 1; 1",
			check:  "[[...[1, 2]].length, ({}).get === undefined]",
			want:   `[2,true]`,
		},
		{
			name:   "swapped prototype",
			mutate: "Object.setPrototypeOf(Array.prototype, null); 1",
			check:  "typeof [].hasOwnProperty",
			want:   `"function"`,
		},
		{
			name:   "shadowed global",
			mutate: "globalThis.setTimeout = null; globalThis.Promise = 1; 1",
			check:  "[typeof setTimeout, typeof Promise]",
			want:   `["function","function"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			require.NoError(t, h.eval(context.Background(), tt.mutate).err)

			r := h.eval(context.Background(), tt.check)
			require.NoError(t, r.err)
			assert.JSONEq(t, tt.want, h.state(r).Success.SerializedExports["default"])
		})
	}
}

func TestEvaluateRestoresBuiltinsAfterThrow(t *testing.T) {
	h := newHarness(t, Config{})
	require.Error(t, h.eval(context.Background(), "String.prototype.trim = () => 'x'; throw new Error('boom')").err)

	r := h.eval(context.Background(), "' a '.trim()")
	require.NoError(t, r.err)
	assert.Equal(t, `"a"`, h.state(r).Success.SerializedExports["default"])
}

func TestEvaluateLinkedExportsSurviveRestore(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.eval(context.Background(), "export class Point { constructor(x) { this.x = x } }")
	require.NoError(t, first.err)

	r := h.eval(context.Background(), "new Point(3).x", first.link())
	require.NoError(t, r.err)
	assert.Equal(t, "3", h.state(r).Success.SerializedExports["default"])
}

func TestEvaluateHugeSparseArray(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.eval(context.Background(), "const a = []; a.length = 2 ** 32 - 1; console.log(a); a")
	require.NoError(t, r.err)

	state := h.state(r)
	require.NotNil(t, state.Success)
	assert.Contains(t, state.Success.SerializedExports["default"], `{"__type":"truncated"}`)
	require.Len(t, state.Logs, 1)
	assert.Contains(t, string(state.Logs[0].Args), `{"__type":"truncated"}`)
}

func TestEvaluateProcessEnv(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.SetEnv(map[string]string{"GREETING": "hello"})

	r := h.eval(context.Background(), "process.env.GREETING")
	require.NoError(t, r.err)
	assert.Equal(t, `"hello"`, h.state(r).Success.SerializedExports["default"])
}

func TestEvaluateTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := h.eval(ctx, "while (true) {}")
	require.Error(t, r.err)
	assert.True(t, result.IsKind(r.err, result.KindTimeout))

	// The runtime stays usable after an interrupt.
	next := h.eval(context.Background(), "40 + 2")
	require.NoError(t, next.err)
	assert.Equal(t, "42", h.state(next).Success.SerializedExports["default"])
}

func TestUnexportedRejectionsAreSwallowed(t *testing.T) {
	counter := &rejectionCounter{}
	h := newHarness(t, Config{Observer: counter, SweepInterval: 10 * time.Millisecond})

	r := h.eval(context.Background(), "Promise.reject(new Error('ignored')); 1")
	require.NoError(t, r.err)

	assert.Eventually(t, func() bool { return counter.n.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"n":1}`))
	}))
	defer srv.Close()

	h := newHarness(t, Config{Fetch: httpclient.New(httpclient.Options{Timeout: time.Second})})
	r := h.eval(context.Background(), "fetch('"+srv.URL+"').then((res) => res.json()).then((body) => body.n + 1)")
	require.NoError(t, r.err)

	assert.Eventually(t, func() bool {
		d, ok := h.state(r).Deferred["default"]
		return ok && d.Result == result.Resolved && d.Serialized == "2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvaluateAfterClose(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.rt.Close())

	_, err := h.rt.Evaluate(context.Background(), Module{Code: "1"})
	assert.ErrorIs(t, err, ErrClosed)
}

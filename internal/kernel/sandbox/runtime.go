package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/dop251/goja_nodejs/url"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/builder"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
)

// ErrClosed is returned by Evaluate after Close.
var ErrClosed = errors.New("sandbox runtime closed")

// Observer receives rejection counts.
type Observer interface {
	IncRejectionsSwallowed()
}

// Config configures a runtime
type Config struct {
	// ModulesDir is the node_modules folder bare specifiers resolve from.
	ModulesDir string
	// Fetch backs the fetch global; nil leaves fetch undefined.
	Fetch *httpclient.Client
	// FlushInterval batches console output into log segments.
	FlushInterval time.Duration
	// MaxCallStackSize bounds recursion; zero uses the default.
	MaxCallStackSize int
	// SweepInterval is how often unhandled rejections are collected.
	SweepInterval time.Duration
	Logger        *zap.Logger
	Observer      Observer
}

// Module is one compiled execution.
type Module struct {
	// Specifier registers the exports for later linked imports.
	Specifier string
	Code      string
	Writer    *artifact.Writer
	// Start is when evaluation of the cell began; durations are measured
	// from it.
	Start time.Time
}

// Report describes a successful evaluation.
type Report struct {
	ExportKeys []string
	Deferred   []string
}

type outcome struct {
	report Report
	err    error
}

// Runtime is a long-lived JS context for one document and language. Each
// execution runs as its own CommonJS module, and the global object and
// built-ins are reset around it; only exports registered for linked
// imports survive between executions.
type Runtime struct {
	loop   *eventloop.EventLoop
	vm     *goja.Runtime
	client *httpclient.Client
	config Config
	logger *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	mu      sync.RWMutex
	env     map[string]string
	modules map[string]*goja.Object
	closed  bool

	// loop-owned
	nodeRequire goja.Callable
	toArray     goja.Callable
	jsonParse   goja.Callable
	freeze      goja.Callable
	restore     goja.Callable
	rejected    map[*goja.Promise]struct{}
}

// New starts a runtime and its event loop
func New(config Config) (*Runtime, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MaxCallStackSize <= 0 {
		config.MaxCallStackSize = 4096
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Second
	}

	var regOpts []require.Option
	if config.ModulesDir != "" {
		regOpts = append(regOpts, require.WithGlobalFolders(config.ModulesDir))
	}
	registry := require.NewRegistry(regOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		loop:     eventloop.NewEventLoop(eventloop.WithRegistry(registry), eventloop.EnableConsole(false)),
		client:   config.Fetch,
		config:   config,
		logger:   config.Logger,
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		env:      map[string]string{},
		modules:  make(map[string]*goja.Object),
		rejected: make(map[*goja.Promise]struct{}),
	}

	r.loop.Start()

	ready := make(chan error, 1)
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		ready <- r.setupGlobals(vm)
	})
	if err := <-ready; err != nil {
		r.loop.Stop()
		cancel()
		return nil, err
	}

	r.loop.SetInterval(func(vm *goja.Runtime) { r.sweep() }, config.SweepInterval)
	return r, nil
}

// setupGlobals configures the ambient globals shared by every execution.
func (r *Runtime) setupGlobals(vm *goja.Runtime) error {
	r.vm = vm
	vm.SetMaxCallStackSize(r.config.MaxCallStackSize)
	url.Enable(vm)

	var ok bool
	if r.nodeRequire, ok = goja.AssertFunction(vm.Get("require")); !ok {
		return fmt.Errorf("require is not available")
	}

	helpers, err := vm.RunString(`({
		toArray: (it) => Array.from(it),
		parse: (s) => JSON.parse(s),
		freeze: (o) => Object.freeze(o),
	})`)
	if err != nil {
		return fmt.Errorf("failed to compile helpers: %w", err)
	}
	h := helpers.ToObject(vm)
	r.toArray, _ = goja.AssertFunction(h.Get("toArray"))
	r.jsonParse, _ = goja.AssertFunction(h.Get("parse"))
	r.freeze, _ = goja.AssertFunction(h.Get("freeze"))

	if r.client != nil {
		if err := vm.Set("fetch", r.fetch(vm)); err != nil {
			return err
		}
	}

	vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			r.rejected[p] = struct{}{}
		case goja.PromiseRejectionHandle:
			delete(r.rejected, p)
		}
	})

	// Taken last so the globals installed above are part of the baseline.
	restore, err := vm.RunString(snapshotScript)
	if err != nil {
		return fmt.Errorf("failed to snapshot globals: %w", err)
	}
	if r.restore, ok = goja.AssertFunction(restore); !ok {
		return fmt.Errorf("global snapshot is not callable")
	}
	return nil
}

// snapshotScript records the own properties of the global object and of
// every built-in constructor, prototype and namespace, and returns a
// function that puts them back. The helpers it relies on are captured up
// front so a cell replacing them cannot defeat the restore. It returns the
// names of properties it could not restore, which only happens when a cell
// made a built-in non-configurable or non-extensible.
const snapshotScript = `(() => {
	const ownKeys = Reflect.ownKeys;
	const apply = Reflect.apply;
	const describe = Object.getOwnPropertyDescriptor;
	const define = Object.defineProperty;
	const remove = Reflect.deleteProperty;
	const protoOf = Object.getPrototypeOf;
	const setProto = Object.setPrototypeOf;
	const is = Object.is;
	const toName = String;
	const MapCtor = Map;
	const mapGet = Map.prototype.get;
	const mapHas = Map.prototype.has;
	const mapSet = Map.prototype.set;
	const push = Array.prototype.push;

	const names = [
		"Object", "Function", "Array", "String", "Number", "Boolean", "Symbol", "BigInt",
		"Date", "RegExp", "Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError",
		"EvalError", "URIError", "AggregateError", "Promise", "Map", "Set", "WeakMap", "WeakSet",
		"WeakRef", "Proxy", "Reflect", "Math", "JSON", "ArrayBuffer", "DataView",
		"Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array", "Uint16Array",
		"Int32Array", "Uint32Array", "Float32Array", "Float64Array", "BigInt64Array",
		"BigUint64Array", "URL", "URLSearchParams",
	];
	const targets = [globalThis];
	const add = (t) => {
		if ((typeof t === "object" || typeof t === "function") && t !== null && !targets.includes(t)) {
			targets.push(t);
		}
	};
	for (const name of names) {
		const ctor = globalThis[name];
		add(ctor);
		if (typeof ctor === "function") add(ctor.prototype);
	}
	const typedArray = protoOf(Int8Array);
	add(typedArray);
	add(typedArray.prototype);
	const arrayIterator = protoOf([][Symbol.iterator]());
	add(arrayIterator);
	add(protoOf(arrayIterator));
	add(protoOf(new Map()[Symbol.iterator]()));
	add(protoOf(new Set()[Symbol.iterator]()));
	add(protoOf(""[Symbol.iterator]()));
	add(protoOf(function* () {}));
	add(protoOf(function* () {}).prototype);
	add(protoOf(async function () {}));

	// Descriptors are kept prototype-free so a polluted Object.prototype
	// cannot change how they are read or applied.
	const own = (t, k) => {
		const d = describe(t, k);
		if (d !== undefined) setProto(d, null);
		return d;
	};
	const snapshots = [];
	for (let i = 0; i < targets.length; i++) {
		const t = targets[i];
		const keys = ownKeys(t);
		const props = new MapCtor();
		for (let j = 0; j < keys.length; j++) apply(mapSet, props, [keys[j], own(t, keys[j])]);
		snapshots.push({ t: t, keys: keys, props: props, proto: protoOf(t) });
	}

	const same = (a, b) =>
		is(a.value, b.value) && a.get === b.get && a.set === b.set &&
		a.writable === b.writable && a.enumerable === b.enumerable && a.configurable === b.configurable;

	return () => {
		const failed = [];
		const fail = (k) => apply(push, failed, [toName(k)]);
		for (let i = 0; i < snapshots.length; i++) {
			const s = snapshots[i];
			const t = s.t;
			const current = ownKeys(t);
			for (let j = 0; j < current.length; j++) {
				if (!apply(mapHas, s.props, [current[j]]) && !remove(t, current[j])) fail(current[j]);
			}
			for (let j = 0; j < s.keys.length; j++) {
				const k = s.keys[j];
				const d = apply(mapGet, s.props, [k]);
				const cur = own(t, k);
				if (cur !== undefined && same(cur, d)) continue;
				try {
					define(t, k, d);
				} catch (e) {
					fail(k);
				}
			}
			if (protoOf(t) !== s.proto) {
				try {
					setProto(t, s.proto);
				} catch (e) {
					fail("[[Prototype]]");
				}
			}
		}
		return failed;
	};
})()`

// SetEnv replaces the environment seen by later executions as process.env.
func (r *Runtime) SetEnv(env map[string]string) {
	cp := make(map[string]string, len(env))
	for k, v := range env {
		cp[k] = v
	}
	r.mu.Lock()
	r.env = cp
	r.mu.Unlock()
}

// HasModule reports whether specifier names an evaluated execution.
func (r *Runtime) HasModule(specifier string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[specifier]
	return ok
}

// Evaluate runs m on the loop. On success the success artifact is already
// written and exported promises are tracked; errors are ExecErrors for the
// caller to record.
func (r *Runtime) Evaluate(ctx context.Context, m Module) (Report, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return Report{}, ErrClosed
	}

	done := make(chan outcome, 1)
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		done <- r.evaluate(vm, m)
	})

	select {
	case out := <-done:
		return out.report, out.err
	case <-ctx.Done():
	}

	// The module may be running or still queued behind other loop work.
	r.vm.Interrupt(ctx.Err())
	select {
	case out := <-done:
		// An interrupt that arrived after the module finished would
		// otherwise fire inside the next callback.
		r.loop.RunOnLoop(func(vm *goja.Runtime) { vm.ClearInterrupt() })
		if out.err == nil || !result.IsKind(out.err, result.KindTimeout) {
			return out.report, out.err
		}
	case <-r.stopped:
	}
	return Report{}, result.TimeoutError(time.Since(m.Start))
}

func (r *Runtime) evaluate(vm *goja.Runtime, m Module) outcome {
	vm.ClearInterrupt()

	logs := artifact.NewLogBuffer(m.Writer, r.config.FlushInterval, func(err error) {
		r.logger.Warn("Failed to write console output", zap.String("execution_id", m.Writer.ExecutionID().String()), zap.Error(err))
	})
	defer func() {
		if err := logs.Flush(); err != nil {
			r.logger.Warn("Failed to write console output", zap.Error(err))
		}
	}()

	// Deferred callbacks of earlier executions may have run since the last
	// restore, so the baseline is applied on both sides.
	r.restoreGlobals(vm)
	exports, err := r.run(vm, m, logs)
	r.restoreGlobals(vm)
	if err != nil {
		return outcome{err: r.execError(vm, err, m.Start)}
	}

	conv := r.converter(vm)
	values := make(map[string]serialize.Value)
	var keys, deferred []string
	for _, k := range exports.Keys() {
		v := conv.get(exports, k)
		keys = append(keys, k)
		values[k] = conv.Value(v)
		if _, ok := asPromise(v); ok {
			deferred = append(deferred, k)
		}
	}
	sort.Strings(keys)

	exec := m.Writer.ExecutionID()
	if _, err := m.Writer.Write(result.NewSuccess(exec, time.Since(m.Start), serialize.EncodeAll(values))); err != nil {
		return outcome{err: fmt.Errorf("failed to write success artifact: %w", err)}
	}

	if _, err := r.freeze(goja.Undefined(), exports); err != nil {
		r.logger.Debug("Failed to freeze exports", zap.Error(err))
	}
	r.mu.Lock()
	r.modules[m.Specifier] = exports
	r.mu.Unlock()

	for _, k := range deferred {
		p, _ := asPromise(conv.get(exports, k))
		r.track(vm, m, k, p)
	}

	return outcome{report: Report{ExportKeys: keys, Deferred: deferred}}
}

// run evaluates the module wrapper and returns its exports object.
func (r *Runtime) run(vm *goja.Runtime, m Module, logs *artifact.LogBuffer) (*goja.Object, error) {
	wrapped := "(function (exports, require, module, console, process) {\n" + m.Code + "\n})"
	prog, err := goja.Compile(m.Specifier+"/"+builder.SourceFile, wrapped, true)
	if err != nil {
		return nil, result.BuildError("%v", err)
	}
	fnValue, err := vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, result.BuildError("module wrapper is not callable")
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)

	if _, err := fn(goja.Undefined(),
		exports,
		vm.ToValue(r.requireFunc(vm)),
		module,
		r.newConsole(vm, logs),
		r.newProcess(vm),
	); err != nil {
		return nil, err
	}

	out := module.Get("exports")
	if obj, ok := out.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			return obj, nil
		}
	}
	// module.exports replaced by a primitive or function: expose it as default.
	wrapper := vm.NewObject()
	_ = wrapper.Set("default", out)
	return wrapper, nil
}

// requireFunc resolves linked execution paths from the module map and
// everything else through node_modules.
func (r *Runtime) requireFunc(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		r.mu.RLock()
		mod, ok := r.modules[spec]
		r.mu.RUnlock()
		if ok {
			return mod
		}
		v, err := r.nodeRequire(goja.Undefined(), call.Argument(0))
		if err != nil {
			panic(err)
		}
		return v
	}
}

func (r *Runtime) newProcess(vm *goja.Runtime) *goja.Object {
	r.mu.RLock()
	env := vm.NewObject()
	for k, v := range r.env {
		_ = env.Set(k, v)
	}
	r.mu.RUnlock()

	process := vm.NewObject()
	_ = process.Set("env", env)
	_ = process.Set("platform", "goja")
	_ = process.Set("argv", []string{})
	return process
}

func (r *Runtime) converter(vm *goja.Runtime) *converter {
	return newConverter(vm, r.toArray)
}

// execError maps a goja failure onto the execution error taxonomy.
func (r *Runtime) execError(vm *goja.Runtime, err error, start time.Time) error {
	var execErr *result.ExecError
	if errors.As(err, &execErr) {
		return execErr
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return result.TimeoutError(time.Since(start))
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		thrown := r.converter(vm).Value(ex.Value())
		message, stack := ex.Error(), ""
		if thrown.Kind == serialize.KindError {
			message = thrown.Message
			stack = thrown.Stack
		}
		return result.EvaluationError(thrown, message, stack)
	}
	return result.EvaluationError(serialize.String(err.Error()), err.Error(), "")
}

// sweep counts rejections nothing handled since the last sweep.
func (r *Runtime) sweep() {
	if len(r.rejected) == 0 {
		return
	}
	for p := range r.rejected {
		r.logger.Debug("Swallowed unhandled rejection", zap.String("reason", stringOr(p.Result())))
		if r.config.Observer != nil {
			r.config.Observer.IncRejectionsSwallowed()
		}
	}
	r.rejected = make(map[*goja.Promise]struct{})
}

// Close stops the loop. Pending deferred exports never settle.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.vm.Interrupt("runtime closed")
	r.loop.Stop()
	close(r.stopped)
	return nil
}

// restoreGlobals puts the built-ins and the global object back to their
// state after setup, undoing whatever an execution added or replaced.
func (r *Runtime) restoreGlobals(vm *goja.Runtime) {
	// A pending interrupt would abort the restore itself.
	vm.ClearInterrupt()
	failed, err := r.restore(goja.Undefined())
	if err != nil {
		r.logger.Warn("Failed to restore globals", zap.Error(err))
		return
	}
	var names []string
	if err := vm.ExportTo(failed, &names); err == nil && len(names) > 0 {
		r.logger.Warn("Globals could not be restored", zap.Strings("properties", names))
	}
}

func asPromise(v goja.Value) (*goja.Promise, bool) {
	if v == nil {
		return nil, false
	}
	p, ok := v.Export().(*goja.Promise)
	return p, ok
}

package sandbox

import (
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
)

// track attaches settlement callbacks to an exported promise. Each
// settlement writes one deferred artifact; the callbacks run as microtasks,
// after the success artifact that lists the key.
func (r *Runtime) track(vm *goja.Runtime, m Module, key string, p *goja.Promise) {
	obj := vm.ToValue(p).ToObject(vm)
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return
	}

	settle := func(outcome result.Outcome) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			value := r.converter(vm).Value(call.Argument(0))
			exec := m.Writer.ExecutionID()
			artifact := result.NewDeferred(exec, key, outcome, time.Since(m.Start), serialize.Encode(value))
			if _, err := m.Writer.Write(artifact); err != nil {
				r.logger.Warn("Failed to write deferred artifact",
					zap.String("execution_id", exec.String()),
					zap.String("export", key),
					zap.Error(err),
				)
			}
			return goja.Undefined()
		}
	}

	if _, err := then(obj, vm.ToValue(settle(result.Resolved)), vm.ToValue(settle(result.Rejected))); err != nil {
		r.logger.Warn("Failed to track exported promise", zap.String("export", key), zap.Error(err))
	}
}

package sandbox

import (
	"encoding/json"
	"time"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/artifact"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
)

var consoleLevels = map[string]result.Level{
	"log":   result.LevelLog,
	"info":  result.LevelInfo,
	"warn":  result.LevelWarn,
	"debug": result.LevelDebug,
	"trace": result.LevelDebug,
	"error": result.LevelError,
}

// newConsole builds a console whose calls land in logs instead of the host
// output. It is bound to one execution, so callbacks that outlive the
// evaluation keep logging to it.
func (r *Runtime) newConsole(vm *goja.Runtime, logs *artifact.LogBuffer) *goja.Object {
	console := vm.NewObject()
	for name, level := range consoleLevels {
		_ = console.Set(name, r.makeConsoleFunc(vm, logs, level))
	}
	return console
}

func (r *Runtime) makeConsoleFunc(vm *goja.Runtime, logs *artifact.LogBuffer, level result.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		conv := r.converter(vm)
		args := make([]serialize.Value, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = conv.Value(arg)
		}

		logs.Append(result.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Args:      json.RawMessage(serialize.Encode(serialize.Array(args...))),
		})
		return goja.Undefined()
	}
}

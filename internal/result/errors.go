package result

import (
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/serialize"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

// ErrorKind classifies why an execution failed
type ErrorKind string

const (
	KindBuild      ErrorKind = "BuildError"
	KindEvaluation ErrorKind = "EvaluationError"
	KindLink       ErrorKind = "LinkError"
	KindTimeout    ErrorKind = "TimeoutError"
)

// ErrWatcherParse marks an artifact file that could not be read back
var ErrWatcherParse = errors.New("malformed artifact")

// ExecError is a terminal execution failure. Thrown holds the value a
// script threw, when there is one.
type ExecError struct {
	Kind    ErrorKind
	Message string
	Stack   string
	Thrown  *serialize.Value
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// BuildError reports source that could not be transformed
func BuildError(format string, args ...any) *ExecError {
	return &ExecError{Kind: KindBuild, Message: fmt.Sprintf(format, args...)}
}

// LinkError reports a prerequisite without a resolvable export surface
func LinkError(format string, args ...any) *ExecError {
	return &ExecError{Kind: KindLink, Message: fmt.Sprintf(format, args...)}
}

// TimeoutError reports an evaluation that exceeded its bound
func TimeoutError(elapsed time.Duration) *ExecError {
	return &ExecError{Kind: KindTimeout, Message: fmt.Sprintf("execution timed out after %s", elapsed.Round(time.Millisecond))}
}

// EvaluationError wraps a value thrown by a script
func EvaluationError(thrown serialize.Value, message, stack string) *ExecError {
	return &ExecError{Kind: KindEvaluation, Message: message, Stack: stack, Thrown: &thrown}
}

// IsKind reports whether err is an ExecError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var execErr *ExecError
	return errors.As(err, &execErr) && execErr.Kind == kind
}

// Artifact renders the failure as an error artifact. Thrown values are
// kept as thrown; other failures become an error value named after the kind.
func (e *ExecError) Artifact(exec id.ExecutionID, duration time.Duration) Result {
	data := serialize.Error(string(e.Kind), e.Message, "")
	if e.Thrown != nil {
		data = *e.Thrown
	}
	return NewFailure(exec, duration, serialize.Encode(data), e.Stack)
}

// FailureFrom converts any error into an error artifact
func FailureFrom(exec id.ExecutionID, duration time.Duration, err error) Result {
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		execErr = &ExecError{Kind: KindEvaluation, Message: err.Error()}
	}
	return execErr.Artifact(exec, duration)
}

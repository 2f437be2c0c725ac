// Package result defines the execution result variants, the rule clients use
// to fold them into one view, and the failure taxonomy.
package result

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

// Variant names the top-level key of an artifact
type Variant string

const (
	VariantSuccess  Variant = "success"
	VariantError    Variant = "error"
	VariantDeferred Variant = "deferred"
	VariantLogs     Variant = "logs"
)

// Outcome of a settled deferred export
type Outcome string

const (
	Resolved Outcome = "resolved"
	Rejected Outcome = "rejected"
)

// Level of a console call
type Level string

const (
	LevelLog   Level = "LOG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelDebug Level = "DEBUG"
	LevelError Level = "ERROR"
)

// ParseLevel maps a console method or log line level to a Level
func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToUpper(s)) {
	case LevelLog:
		return LevelLog, true
	case LevelInfo:
		return LevelInfo, true
	case LevelWarn:
		return LevelWarn, true
	case LevelDebug:
		return LevelDebug, true
	case LevelError:
		return LevelError, true
	}
	return "", false
}

// Success carries the serialized exports of a completed evaluation
type Success struct {
	Duration          float64           `json:"duration"`
	SerializedExports map[string]string `json:"serializedExports"`
}

// Failure is the terminal error of an execution
type Failure struct {
	Duration float64 `json:"duration"`
	Data     string  `json:"data"`
	Stack    string  `json:"stack,omitempty"`
}

// Settlement is one settled deferred export
type Settlement struct {
	Result     Outcome `json:"result"`
	Duration   float64 `json:"duration"`
	Serialized string  `json:"serialized"`
}

// LogEntry is one console call. Args is a JSON array of serialized values.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Level     Level           `json:"level"`
	Args      json.RawMessage `json:"args"`
}

// Result is one artifact, or the folded state of many. An artifact carries
// exactly one variant.
type Result struct {
	ExecutionID id.ExecutionID        `json:"executionId"`
	Success     *Success              `json:"success,omitempty"`
	Error       *Failure              `json:"error,omitempty"`
	Deferred    map[string]Settlement `json:"deferred,omitempty"`
	Logs        []LogEntry            `json:"logs,omitempty"`
}

// Variants lists the variants present, in declaration order
func (r Result) Variants() []Variant {
	var vs []Variant
	if r.Success != nil {
		vs = append(vs, VariantSuccess)
	}
	if r.Error != nil {
		vs = append(vs, VariantError)
	}
	if r.Deferred != nil {
		vs = append(vs, VariantDeferred)
	}
	if r.Logs != nil {
		vs = append(vs, VariantLogs)
	}
	return vs
}

// Variant returns the single variant of an artifact
func (r Result) Variant() (Variant, bool) {
	vs := r.Variants()
	if len(vs) != 1 {
		return "", false
	}
	return vs[0], true
}

// Terminal reports whether the state holds a success or an error
func (r Result) Terminal() bool {
	return r.Success != nil || r.Error != nil
}

// NewSuccess builds a success artifact
func NewSuccess(exec id.ExecutionID, duration time.Duration, exports map[string]string) Result {
	if exports == nil {
		exports = map[string]string{}
	}
	return Result{
		ExecutionID: exec,
		Success:     &Success{Duration: Millis(duration), SerializedExports: exports},
	}
}

// NewFailure builds an error artifact
func NewFailure(exec id.ExecutionID, duration time.Duration, data, stack string) Result {
	return Result{
		ExecutionID: exec,
		Error:       &Failure{Duration: Millis(duration), Data: data, Stack: stack},
	}
}

// NewDeferred builds a deferred artifact for one export
func NewDeferred(exec id.ExecutionID, key string, outcome Outcome, duration time.Duration, serialized string) Result {
	return Result{
		ExecutionID: exec,
		Deferred: map[string]Settlement{
			key: {Result: outcome, Duration: Millis(duration), Serialized: serialized},
		},
	}
}

// NewLogs builds a logs artifact
func NewLogs(exec id.ExecutionID, entries []LogEntry) Result {
	if entries == nil {
		entries = []LogEntry{}
	}
	return Result{ExecutionID: exec, Logs: entries}
}

// Millis converts a duration to fractional milliseconds
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

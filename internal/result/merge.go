package result

import (
	"fmt"
	"sort"
)

// Merge folds an incoming artifact into the accumulated state. Logs are
// appended. Success and error replace their previous values. Deferred
// entries are added key by key without touching unrelated keys.
func Merge(state, in Result) Result {
	if in.ExecutionID != "" {
		state.ExecutionID = in.ExecutionID
	}
	if in.Success != nil {
		s := *in.Success
		state.Success = &s
	}
	if in.Error != nil {
		e := *in.Error
		state.Error = &e
	}
	if len(in.Deferred) > 0 {
		deferred := make(map[string]Settlement, len(state.Deferred)+len(in.Deferred))
		for k, v := range state.Deferred {
			deferred[k] = v
		}
		for k, v := range in.Deferred {
			deferred[k] = v
		}
		state.Deferred = deferred
	}
	if in.Logs != nil {
		logs := make([]LogEntry, 0, len(state.Logs)+len(in.Logs))
		logs = append(logs, state.Logs...)
		state.Logs = append(logs, in.Logs...)
	}
	return state
}

// Fold merges a history of artifacts in order
func Fold(history []Result) Result {
	var state Result
	for _, r := range history {
		state = Merge(state, r)
	}
	return state
}

// CheckHistory verifies the ordering guarantees of one execution's
// artifacts: at most one success or error, and every deferred key preceded
// by a success exporting it.
func CheckHistory(history []Result) error {
	var exports map[string]string
	terminal := 0

	for i, r := range history {
		v, ok := r.Variant()
		if !ok {
			return fmt.Errorf("artifact %d: expected exactly one variant, got %v", i, r.Variants())
		}
		switch v {
		case VariantSuccess:
			exports = r.Success.SerializedExports
			terminal++
		case VariantError:
			terminal++
		case VariantDeferred:
			for k := range r.Deferred {
				if _, ok := exports[k]; !ok {
					return fmt.Errorf("artifact %d: deferred key %q has no prior success export", i, k)
				}
			}
		}
		if terminal > 1 {
			return fmt.Errorf("artifact %d: more than one terminal artifact", i)
		}
	}
	return nil
}

// PendingKeys lists exports still waiting for a deferred settlement
func (r Result) PendingKeys(isPending func(serialized string) bool) []string {
	if r.Success == nil {
		return nil
	}
	var keys []string
	for k, v := range r.Success.SerializedExports {
		if _, settled := r.Deferred[k]; settled {
			continue
		}
		if isPending(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

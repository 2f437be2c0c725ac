package artifact

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// StampLayout names segments. Fixed width keeps lexical and time order equal.
const StampLayout = "2006-01-02T15:04:05.000000000Z"

// Kind is the record type a segment holds
type Kind string

const (
	KindResult Kind = "result"
	KindLog    Kind = "log"
)

// codec reads one kind of segment
type codec struct {
	ext    string
	decode func(exec id.ExecutionID, data []byte) (result.Result, error)
}

var codecs = map[Kind]codec{
	KindResult: {ext: ".json", decode: decodeResult},
	KindLog:    {ext: ".log", decode: decodeLog},
}

var logLine = regexp.MustCompile(`^([.:\w-]+) (\w+) (.*)$`)

// KindOf classifies a segment file name
func KindOf(name string) (Kind, bool) {
	if name == workspace.MetaFile || workspace.IsTemp(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if _, err := time.Parse(StampLayout, stem); err != nil {
		return "", false
	}
	for kind, c := range codecs {
		if filepath.Ext(name) == c.ext {
			return kind, true
		}
	}
	return "", false
}

// Name returns the segment file name for a kind and emission time
func Name(kind Kind, at time.Time) string {
	return at.UTC().Format(StampLayout) + codecs[kind].ext
}

// Decode parses a segment. Errors wrap result.ErrWatcherParse.
func Decode(kind Kind, exec id.ExecutionID, data []byte) (result.Result, error) {
	c, ok := codecs[kind]
	if !ok {
		return result.Result{}, fmt.Errorf("%w: unknown segment kind %q", result.ErrWatcherParse, kind)
	}
	r, err := c.decode(exec, data)
	if err != nil {
		return result.Result{}, fmt.Errorf("%w: %v", result.ErrWatcherParse, err)
	}
	return r, nil
}

// ReadFile reads and decodes one segment. The execution id is taken from
// the containing folder.
func ReadFile(path string) (result.Result, error) {
	kind, ok := KindOf(filepath.Base(path))
	if !ok {
		return result.Result{}, fmt.Errorf("%w: %s is not a segment", result.ErrWatcherParse, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return result.Result{}, err
	}
	exec := id.ExecutionID(filepath.Base(filepath.Dir(path)))
	return Decode(kind, exec, data)
}

// List returns the segment files of an execution folder in emission order
func List(execDir string) ([]string, error) {
	entries, err := os.ReadDir(execDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := KindOf(e.Name()); ok {
			paths = append(paths, filepath.Join(execDir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadHistory decodes every segment of an execution in order. Malformed
// segments are reported through skip and left out.
func ReadHistory(execDir string, skip func(path string, err error)) ([]result.Result, error) {
	paths, err := List(execDir)
	if err != nil {
		return nil, err
	}
	history := make([]result.Result, 0, len(paths))
	for _, p := range paths {
		r, err := ReadFile(p)
		if err != nil {
			if skip != nil {
				skip(p, err)
			}
			continue
		}
		history = append(history, r)
	}
	return history, nil
}

func decodeResult(exec id.ExecutionID, data []byte) (result.Result, error) {
	var r result.Result
	if err := sonic.Unmarshal(data, &r); err != nil {
		return r, err
	}
	v, ok := r.Variant()
	if !ok {
		return r, fmt.Errorf("expected one variant, got %v", r.Variants())
	}
	if v == result.VariantLogs {
		return r, fmt.Errorf("logs variant in a result segment")
	}
	if r.ExecutionID == "" {
		r.ExecutionID = exec
	}
	return r, nil
}

func decodeLog(exec id.ExecutionID, data []byte) (result.Result, error) {
	entries := []result.LogEntry{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for n := 1; scanner.Scan(); n++ {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, err := ParseLine(line)
		if err != nil {
			return result.Result{}, fmt.Errorf("line %d: %w", n, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return result.Result{}, err
	}
	return result.NewLogs(exec, entries), nil
}

// FormatLine renders one console call
func FormatLine(e result.LogEntry) string {
	args := string(e.Args)
	if args == "" {
		args = "[]"
	}
	return e.Timestamp.UTC().Format(StampLayout) + " " + string(e.Level) + " " + args
}

// ParseLine parses one console line
func ParseLine(line string) (result.LogEntry, error) {
	m := logLine.FindStringSubmatch(line)
	if m == nil {
		return result.LogEntry{}, fmt.Errorf("unrecognized log line %q", line)
	}
	ts, err := time.Parse(time.RFC3339Nano, m[1])
	if err != nil {
		return result.LogEntry{}, fmt.Errorf("bad timestamp: %w", err)
	}
	level, ok := result.ParseLevel(m[2])
	if !ok {
		return result.LogEntry{}, fmt.Errorf("unknown level %q", m[2])
	}
	args := []byte(m[3])
	if !sonic.Valid(args) || !bytes.HasPrefix(bytes.TrimSpace(args), []byte("[")) {
		return result.LogEntry{}, fmt.Errorf("args are not a JSON array")
	}
	return result.LogEntry{Timestamp: ts, Level: level, Args: args}, nil
}

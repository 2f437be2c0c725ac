// Package environment resolves a document's selected environment to the
// variables injected into its sandbox.
package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrEnvironmentNotFound is returned for unknown environment ids
var ErrEnvironmentNotFound = errors.New("environment not found")

// Source resolves environments. An empty id is the empty environment.
type Source interface {
	Resolve(ctx context.Context, environmentID string) (map[string]string, error)
}

type file struct {
	Environments map[string]map[string]any `toml:"environments"`
}

// FileSource reads environments from a TOML file:
//
//	[environments.dev]
//	API_URL = "http://localhost:3000"
//	RETRIES = 3
//
// Non-string values are formatted. The file is re-read when it changes.
type FileSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	cached  map[string]map[string]string
}

// NewFileSource creates a source backed by path. A missing file holds no
// environments.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Resolve implements Source
func (s *FileSource) Resolve(_ context.Context, environmentID string) (map[string]string, error) {
	if environmentID == "" {
		return map[string]string{}, nil
	}
	envs, err := s.load()
	if err != nil {
		return nil, err
	}
	vars, ok := envs[environmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environmentID)
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out, nil
}

// IDs lists the defined environments
func (s *FileSource) IDs() ([]string, error) {
	envs, err := s.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(envs))
	for id := range envs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileSource) load() (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.cached != nil && info.ModTime().Equal(s.modTime) {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	var parsed file
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	envs := make(map[string]map[string]string, len(parsed.Environments))
	for id, vars := range parsed.Environments {
		flat := make(map[string]string, len(vars))
		for k, v := range vars {
			flat[k] = fmt.Sprint(v)
		}
		envs[id] = flat
	}
	s.cached = envs
	s.modTime = info.ModTime()
	return envs, nil
}

// Static is a fixed set of environments
type Static map[string]map[string]string

// Resolve implements Source
func (s Static) Resolve(_ context.Context, environmentID string) (map[string]string, error) {
	if environmentID == "" {
		return map[string]string{}, nil
	}
	vars, ok := s[environmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environmentID)
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out, nil
}

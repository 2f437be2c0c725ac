package workspace

import (
	"fmt"
	"os"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
)

// Manifest is the package manifest synthesized for a document
type Manifest struct {
	Name         string            `json:"name"`
	Private      bool              `json:"private"`
	Type         string            `json:"type"`
	Dependencies map[string]string `json:"dependencies"`
}

// NewManifest pins every dependency to latest
func NewManifest(name string, deps []string) Manifest {
	m := Manifest{
		Name:         name,
		Private:      true,
		Type:         "commonjs",
		Dependencies: make(map[string]string, len(deps)),
	}
	for _, dep := range deps {
		m.Dependencies[dep] = "latest"
	}
	return m
}

// SyncManifest rewrites the manifest only when it changes
func SyncManifest(path string, m Manifest) (bool, error) {
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return WriteIfChanged(path, append(data, '\n'))
}

// ReadManifest loads a manifest
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := sonic.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return m, nil
}

// DependencyNames lists manifest dependencies in sorted order
func (m Manifest) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SyncEnv rewrites the environment file only when it changes
func SyncEnv(path string, env map[string]string) (bool, error) {
	if env == nil {
		env = map[string]string{}
	}
	text, err := godotenv.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("failed to encode environment: %w", err)
	}
	if text != "" {
		text += "\n"
	}
	return WriteIfChanged(path, []byte(text))
}

// LoadEnv reads an environment file. A missing file is an empty environment.
func LoadEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return env, nil
}

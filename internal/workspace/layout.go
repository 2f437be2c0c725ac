package workspace

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
)

// Well-known names inside a document folder
const (
	MetaFile     = "meta.json"
	ManifestFile = "package.json"
	EnvFile      = ".env"
	NodeModules  = "node_modules"
	RawPrefix    = "raw."
	TempSuffix   = ".tmp"
)

// ErrInvalidSegment is returned for ids that cannot name a directory
var ErrInvalidSegment = errors.New("invalid path segment")

// Layout resolves paths under a workspace root
type Layout struct {
	Root string
}

// New creates a layout rooted at root
func New(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// DocumentDir returns the folder holding a document's executions
func (l Layout) DocumentDir(documentID string) string {
	return filepath.Join(l.Root, documentID)
}

// ExecutionDir returns the folder of one execution
func (l Layout) ExecutionDir(documentID string, exec id.ExecutionID) string {
	return filepath.Join(l.Root, documentID, exec.String())
}

// MetaPath returns the meta.json of an execution
func (l Layout) MetaPath(documentID string, exec id.ExecutionID) string {
	return filepath.Join(l.ExecutionDir(documentID, exec), MetaFile)
}

// RawSourcePath returns the raw source file of an execution
func (l Layout) RawSourcePath(documentID string, exec id.ExecutionID, lang types.Language) string {
	return filepath.Join(l.ExecutionDir(documentID, exec), RawSourceName(lang))
}

// ManifestPath returns the document's package manifest
func (l Layout) ManifestPath(documentID string) string {
	return filepath.Join(l.DocumentDir(documentID), ManifestFile)
}

// EnvPath returns the document's environment file
func (l Layout) EnvPath(documentID string) string {
	return filepath.Join(l.DocumentDir(documentID), EnvFile)
}

// RawSourceName is the file name of the raw source for a language
func RawSourceName(lang types.Language) string {
	return RawPrefix + lang.SourceExt()
}

// IsRawSource reports whether name is a raw source file and its language
func IsRawSource(name string) (types.Language, bool) {
	if !strings.HasPrefix(name, RawPrefix) {
		return "", false
	}
	return types.LanguageForExt(strings.TrimPrefix(name, RawPrefix))
}

// Locate recovers the owning document and execution of a file from its
// position: the file's parent is the execution folder and the grandparent
// the document folder.
func (l Layout) Locate(path string) (string, id.ExecutionID, bool) {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return "", "", false
	}
	doc, exec := parts[len(parts)-3], parts[len(parts)-2]
	if !id.IsValid(exec) {
		return "", "", false
	}
	return doc, id.ExecutionID(exec), true
}

// ValidateSegment rejects ids that would escape or nest the layout
func ValidateSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidSegment, s)
	}
	return nil
}

// Package document stores notebook documents as YAML files, one per
// document, in a directory.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

const ext = ".yaml"

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrCellNotFound     = errors.New("cell not found")
)

// Store supplies documents to the orchestrator
type Store interface {
	Get(ctx context.Context, documentID string) (types.Document, error)
	Save(ctx context.Context, doc types.Document) error
	List(ctx context.Context) ([]string, error)
}

// FileStore keeps each document in <dir>/<id>.yaml
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(documentID string) (string, error) {
	if err := workspace.ValidateSegment(documentID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, documentID+ext), nil
}

// Get loads a document. The file name is authoritative for the id.
func (s *FileStore) Get(_ context.Context, documentID string) (types.Document, error) {
	path, err := s.path(documentID)
	if err != nil {
		return types.Document{}, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if os.IsNotExist(err) {
		return types.Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return types.Document{}, fmt.Errorf("failed to read document %s: %w", documentID, err)
	}

	var doc types.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.Document{}, fmt.Errorf("failed to parse document %s: %w", documentID, err)
	}
	doc.ID = documentID
	for i, cell := range doc.Cells {
		if _, err := types.ParseLanguage(string(cell.Language)); err != nil {
			return types.Document{}, fmt.Errorf("document %s cell %s: %w", documentID, cell.ID, err)
		}
		if cell.ID == "" {
			return types.Document{}, fmt.Errorf("document %s cell %d has no id", documentID, i)
		}
	}
	return doc, nil
}

// Save writes a document
func (s *FileStore) Save(_ context.Context, doc types.Document) error {
	path, err := s.path(doc.ID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return workspace.WriteFileAtomic(path, data, 0o644)
}

// List returns the ids of every stored document
func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			ids = append(ids, strings.TrimSuffix(e.Name(), ext))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charlievieth/fastwalk"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
)

// WriteMeta stores meta.json inside the execution folder
func (l Layout) WriteMeta(meta types.ExecutionMeta) error {
	data, err := sonic.ConfigStd.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	return WriteFileAtomic(l.MetaPath(meta.DocumentID, meta.ExecutionID), data, 0o644)
}

// MarkEvaluated back-fills the execute timestamp and the export keys of an
// execution once its kernel is done with it.
func (l Layout) MarkEvaluated(meta types.ExecutionMeta, exportKeys []string) error {
	executed := time.Now().UTC()
	meta.ExecuteTimestamp = &executed
	meta.ExportKeys = exportKeys
	return l.WriteMeta(meta)
}

// ReadMeta loads a meta.json file
func ReadMeta(path string) (types.ExecutionMeta, error) {
	var meta types.ExecutionMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := sonic.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return meta, nil
}

// Executions scans a document folder for every execution's meta.json,
// returned in execution id order. Unreadable entries are skipped.
func (l Layout) Executions(documentID string) ([]types.ExecutionMeta, error) {
	root := l.DocumentDir(documentID)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var (
		mu    sync.Mutex
		metas []types.ExecutionMeta
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == NodeModules {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != MetaFile || filepath.Dir(filepath.Dir(p)) != root {
			return nil
		}

		meta, err := ReadMeta(p)
		if err != nil {
			return nil
		}
		mu.Lock()
		metas = append(metas, meta)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].ExecutionID < metas[j].ExecutionID
	})
	return metas, nil
}

// LatestByCell keeps the most recent execution of each cell
func LatestByCell(metas []types.ExecutionMeta) map[string]types.ExecutionMeta {
	latest := make(map[string]types.ExecutionMeta, len(metas))
	for _, m := range metas {
		if cur, ok := latest[m.CellID]; !ok || m.ExecutionID > cur.ExecutionID {
			latest[m.CellID] = m
		}
	}
	return latest
}

package types

import (
	"time"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

// ExecutionMeta is the record of one evaluation request. ExecuteTimestamp and
// ExportKeys are back-filled by the kernel once evaluation completes.
type ExecutionMeta struct {
	ExecutionID        id.ExecutionID   `json:"executionId"`
	DocumentID         string           `json:"documentId"`
	CellID             string           `json:"cellId"`
	Language           Language         `json:"language"`
	CreateTimestamp    time.Time        `json:"createTimestamp"`
	ExecuteTimestamp   *time.Time       `json:"executeTimestamp,omitempty"`
	LinkedExecutionIDs []id.ExecutionID `json:"linkedExecutionIds,omitempty"`
	ExportKeys         []string         `json:"exportKeys,omitempty"`
}

// NewExecutionMeta allocates a fresh execution for a cell
func NewExecutionMeta(documentID string, cell Cell, linked []id.ExecutionID) ExecutionMeta {
	var links []id.ExecutionID
	if len(linked) > 0 {
		links = append(links, linked...)
	}
	return ExecutionMeta{
		ExecutionID:        id.NewExecutionID(),
		DocumentID:         documentID,
		CellID:             cell.ID,
		Language:           cell.Language,
		CreateTimestamp:    time.Now().UTC(),
		LinkedExecutionIDs: links,
	}
}

// Evaluated reports whether the kernel finished evaluating this execution
func (m ExecutionMeta) Evaluated() bool {
	return m.ExecuteTimestamp != nil
}

// OlderThan reports whether the cell was edited after this execution was
// requested.
func (m ExecutionMeta) OlderThan(cell Cell) bool {
	return cell.Timestamp.After(m.CreateTimestamp)
}

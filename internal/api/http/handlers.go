package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/document"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/environment"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/execution"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/runtime"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/queue"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// Version is reported by the root endpoint
const Version = "0.1.0"

// Orchestrator is the execution surface the handlers need
type Orchestrator interface {
	Enqueue(ctx context.Context, documentID, cellID string) (types.ExecutionMeta, error)
	Latest(documentID string) ([]types.ExecutionMeta, error)
	Result(documentID string, exec id.ExecutionID) (result.Result, error)
}

// Runtimes lists and tears down sandbox runtimes
type Runtimes interface {
	List() []runtime.Runtime
	Delete(ctx context.Context, handle id.RuntimeHandle) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	orchestrator Orchestrator
	runtimes     Runtimes
	logger       *zap.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(orchestrator Orchestrator, runtimes Runtimes, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		orchestrator: orchestrator,
		runtimes:     runtimes,
		logger:       logger,
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "Notebook Kernel Service",
		"version": Version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"runtimes": len(h.runtimes.List()),
	})
}

// Evaluate requests an evaluation of one cell. The execution runs out of
// band; its artifacts arrive on the document stream.
func (h *Handlers) Evaluate(c *gin.Context) {
	documentID, cellID := c.Param("id"), c.Param("cellId")

	meta, err := h.orchestrator.Enqueue(c.Request.Context(), documentID, cellID)
	if err != nil {
		h.fail(c, err, zap.String("document_id", documentID), zap.String("cell_id", cellID))
		return
	}
	c.JSON(http.StatusAccepted, meta)
}

// ListExecutions returns the latest execution of each cell
func (h *Handlers) ListExecutions(c *gin.Context) {
	documentID := c.Param("id")

	metas, err := h.orchestrator.Latest(documentID)
	if err != nil {
		h.fail(c, err, zap.String("document_id", documentID))
		return
	}
	if metas == nil {
		metas = []types.ExecutionMeta{}
	}
	c.JSON(http.StatusOK, gin.H{
		"documentId": documentID,
		"executions": metas,
	})
}

// GetExecution returns the merged state of one execution
func (h *Handlers) GetExecution(c *gin.Context) {
	documentID, exec := c.Param("id"), id.ExecutionID(c.Param("executionId"))

	state, err := h.orchestrator.Result(documentID, exec)
	if err != nil {
		h.fail(c, err, zap.String("document_id", documentID), zap.String("execution_id", exec.String()))
		return
	}
	c.JSON(http.StatusOK, state)
}

// ListRuntimes lists the provisioned runtimes
func (h *Handlers) ListRuntimes(c *gin.Context) {
	runtimes := h.runtimes.List()
	if runtimes == nil {
		runtimes = []runtime.Runtime{}
	}
	c.JSON(http.StatusOK, gin.H{
		"runtimes": runtimes,
		"count":    len(runtimes),
	})
}

// DeleteRuntime tears a runtime down
func (h *Handlers) DeleteRuntime(c *gin.Context) {
	handle := id.RuntimeHandle(c.Param("handle"))

	if err := h.runtimes.Delete(c.Request.Context(), handle); err != nil {
		h.fail(c, err, zap.String("runtime", handle.String()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"handle":  handle,
	})
}

func (h *Handlers) fail(c *gin.Context, err error, fields ...zap.Field) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", append(fields, zap.Error(err))...)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusFor maps domain errors to HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, document.ErrDocumentNotFound),
		errors.Is(err, document.ErrCellNotFound),
		errors.Is(err, execution.ErrExecutionNotFound),
		errors.Is(err, runtime.ErrRuntimeNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrInvalidSegment):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrNotExecutable),
		errors.Is(err, environment.ErrEnvironmentNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrFull),
		errors.Is(err, execution.ErrOrchestratorClosed),
		errors.Is(err, runtime.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
)

var (
	ErrRuntimeNotFound = errors.New("runtime not found")
	ErrRegistryClosed  = errors.New("runtime registry closed")
)

// Label keys attached to every runtime
const (
	LabelDocument = "notebook.document"
	LabelLanguage = "notebook.language"
	LabelHandle   = "notebook.handle"
)

// Runtime describes a provisioned sandbox runtime
type Runtime struct {
	Handle     id.RuntimeHandle  `json:"handle"`
	DocumentID string            `json:"documentId"`
	Language   types.Language    `json:"language"`
	Mode       string            `json:"mode"`
	Labels     map[string]string `json:"labels"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type key struct {
	documentID string
	language   types.Language
}

func (k key) String() string {
	return k.documentID + "/" + k.language.String()
}

type entry struct {
	info     Runtime
	instance Instance
}

// Registry owns one runtime per document and language. Runtimes are created
// on first use and live until deleted or the registry closes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[key]*entry            // Protected by mu
	byHandle map[id.RuntimeHandle]key // Protected by mu
	closed   bool                      // Protected by mu

	group       singleflight.Group
	provisioner Provisioner
	metrics     *monitoring.Metrics
	logger      *zap.Logger
}

// NewRegistry creates a registry backed by provisioner
func NewRegistry(provisioner Provisioner, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		runtimes:    make(map[key]*entry),
		byHandle:    make(map[id.RuntimeHandle]key),
		provisioner: provisioner,
		logger:      logger,
	}
}

// WithMetrics adds metrics tracking to the registry
func (r *Registry) WithMetrics(metrics *monitoring.Metrics) *Registry {
	r.metrics = metrics
	return r
}

// Ensure returns the runtime of a document and language, provisioning it
// when none exists. Concurrent calls for the same pair share one
// provisioning; created reports whether this call's result is a new
// runtime.
func (r *Registry) Ensure(ctx context.Context, documentID string, language types.Language) (Runtime, bool, error) {
	k := key{documentID: documentID, language: language}
	if rt, ok := r.Get(documentID, language); ok {
		return rt, false, nil
	}

	v, err, _ := r.group.Do(k.String(), func() (interface{}, error) {
		if rt, ok := r.Get(documentID, language); ok {
			return ensured{rt, false}, nil
		}
		rt, err := r.provision(ctx, k)
		return ensured{rt, true}, err
	})
	if err != nil {
		return Runtime{}, false, err
	}
	e := v.(ensured)
	return copyRuntime(e.runtime), e.created, nil
}

type ensured struct {
	runtime Runtime
	created bool
}

func (r *Registry) provision(ctx context.Context, k key) (Runtime, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return Runtime{}, ErrRegistryClosed
	}

	handle := id.NewRuntimeHandle()
	spec := Spec{
		Handle:     handle,
		DocumentID: k.documentID,
		Language:   k.language,
		Since:      time.Now().UTC(),
		Labels: map[string]string{
			LabelDocument: k.documentID,
			LabelLanguage: k.language.String(),
			LabelHandle:   handle.String(),
		},
	}
	instance, err := r.provisioner.Provision(ctx, spec)
	if err != nil {
		return Runtime{}, fmt.Errorf("failed to provision %s runtime for %s: %w", k.language, k.documentID, err)
	}

	info := Runtime{
		Handle:     handle,
		DocumentID: k.documentID,
		Language:   k.language,
		Mode:       r.provisioner.Mode(),
		Labels:     spec.Labels,
		CreatedAt:  spec.Since,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = instance.Stop(context.Background())
		return Runtime{}, ErrRegistryClosed
	}
	r.runtimes[k] = &entry{info: info, instance: instance}
	r.byHandle[handle] = k
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RuntimeProvisioned(info.Mode)
	}
	r.logger.Info("Runtime provisioned",
		zap.String("handle", handle.String()),
		zap.String("document_id", k.documentID),
		zap.String("language", k.language.String()),
		zap.String("mode", info.Mode),
	)
	return copyRuntime(info), nil
}

// Get returns the runtime of a document and language
func (r *Registry) Get(documentID string, language types.Language) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.runtimes[key{documentID: documentID, language: language}]
	if !ok {
		return Runtime{}, false
	}
	return copyRuntime(e.info), true
}

// List returns every runtime, oldest first
func (r *Registry) List() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Runtime, 0, len(r.runtimes))
	for _, e := range r.runtimes {
		out = append(out, copyRuntime(e.info))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Handle < out[j].Handle
	})
	return out
}

// Delete stops the runtime with the given handle
func (r *Registry) Delete(ctx context.Context, handle id.RuntimeHandle) error {
	r.mu.Lock()
	k, ok := r.byHandle[handle]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuntimeNotFound, handle)
	}
	e := r.runtimes[k]
	delete(r.runtimes, k)
	delete(r.byHandle, handle)
	r.mu.Unlock()

	return r.stop(ctx, e)
}

func (r *Registry) stop(ctx context.Context, e *entry) error {
	err := e.instance.Stop(ctx)
	if r.metrics != nil {
		r.metrics.RuntimeReleased()
	}
	r.logger.Info("Runtime stopped",
		zap.String("handle", e.info.Handle.String()),
		zap.String("document_id", e.info.DocumentID),
		zap.Error(err),
	)
	if err != nil {
		return fmt.Errorf("failed to stop runtime %s: %w", e.info.Handle, err)
	}
	return nil
}

// Close stops every runtime. Later Ensure calls fail.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.runtimes))
	for _, e := range r.runtimes {
		entries = append(entries, e)
	}
	r.runtimes = make(map[key]*entry)
	r.byHandle = make(map[id.RuntimeHandle]key)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := r.stop(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func copyRuntime(rt Runtime) Runtime {
	labels := make(map[string]string, len(rt.Labels))
	for k, v := range rt.Labels {
		labels[k] = v
	}
	rt.Labels = labels
	return rt
}

package runtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/deps"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// Spec describes the runtime to provision
type Spec struct {
	Handle     id.RuntimeHandle
	DocumentID string
	Language   types.Language
	// Since is when the runtime was requested; executions older than this
	// belong to a previous runtime.
	Since  time.Time
	Labels map[string]string
}

// Instance is a running runtime
type Instance interface {
	Stop(ctx context.Context) error
}

// Provisioner starts runtimes. Provision returns once the runtime watches
// its workspace, so executions written afterwards are never missed.
type Provisioner interface {
	Mode() string
	Provision(ctx context.Context, spec Spec) (Instance, error)
}

// InProcessOptions configures kernels run inside the server process
type InProcessOptions struct {
	Layout     workspace.Layout
	Timeout    time.Duration
	QueueSize  int
	Installer  deps.Installer
	Evaluators kernel.EvaluatorOptions
	Metrics    kernel.Metrics
	Logger     *zap.Logger
}

// InProcess runs each kernel on goroutines of the server
type InProcess struct {
	opts InProcessOptions
}

// NewInProcess creates an in-process provisioner
func NewInProcess(opts InProcessOptions) *InProcess {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Evaluators.Layout = opts.Layout
	return &InProcess{opts: opts}
}

// Mode implements Provisioner
func (p *InProcess) Mode() string { return "inprocess" }

// Provision implements Provisioner
func (p *InProcess) Provision(_ context.Context, spec Spec) (Instance, error) {
	evalOpts := p.opts.Evaluators
	evalOpts.DocumentID = spec.DocumentID
	evalOpts.Metrics = p.opts.Metrics
	evalOpts.Logger = p.opts.Logger
	evaluator, err := kernel.NewEvaluator(spec.Language, evalOpts)
	if err != nil {
		return nil, err
	}

	k, err := kernel.New(kernel.Options{
		Layout:     p.opts.Layout,
		DocumentID: spec.DocumentID,
		Since:      spec.Since,
		Timeout:    p.opts.Timeout,
		QueueSize:  p.opts.QueueSize,
		Installer:  p.opts.Installer,
		Metrics:    p.opts.Metrics,
		Logger:     p.opts.Logger.With(zap.String("handle", spec.Handle.String())),
	}, evaluator)
	if err != nil {
		_ = evaluator.Close()
		return nil, fmt.Errorf("failed to start kernel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &inProcessInstance{kernel: k, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(inst.done)
		if err := k.Run(ctx); err != nil {
			p.opts.Logger.Error("Kernel stopped with error", zap.String("handle", spec.Handle.String()), zap.Error(err))
		}
	}()
	return inst, nil
}

type inProcessInstance struct {
	kernel *kernel.Kernel
	cancel context.CancelFunc
	done   chan struct{}
}

func (i *inProcessInstance) Stop(ctx context.Context) error {
	i.cancel()
	select {
	case <-i.done:
	case <-ctx.Done():
	}
	return i.kernel.Close()
}

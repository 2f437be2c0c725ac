package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// ReadyLine is printed on stdout by the kernel binary once it watches its
// workspace.
const ReadyLine = "KERNEL READY"

// SubprocessOptions configures kernels run as child processes
type SubprocessOptions struct {
	Binary       string
	Layout       workspace.Layout
	ReadyTimeout time.Duration
	// Env is appended to the server's own environment.
	Env    map[string]string
	Logger *zap.Logger
}

// Subprocess starts the kernel binary once per runtime
type Subprocess struct {
	opts SubprocessOptions
}

// NewSubprocess creates a subprocess provisioner
func NewSubprocess(opts SubprocessOptions) *Subprocess {
	if opts.Binary == "" {
		opts.Binary = "kernel"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Subprocess{opts: opts}
}

// Mode implements Provisioner
func (p *Subprocess) Mode() string { return "subprocess" }

// Args returns the kernel command line for spec
func (p *Subprocess) Args(spec Spec) []string {
	return []string{
		"run",
		"--workspace", p.opts.Layout.Root,
		"--document", spec.DocumentID,
		"--language", spec.Language.String(),
		"--since", spec.Since.Format(time.RFC3339Nano),
		"--handle", spec.Handle.String(),
	}
}

// Provision implements Provisioner
func (p *Subprocess) Provision(ctx context.Context, spec Spec) (Instance, error) {
	cmd := exec.Command(p.opts.Binary, p.Args(spec)...)
	cmd.Env = os.Environ()
	for k, v := range p.opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.opts.Binary, err)
	}

	logger := p.opts.Logger.With(zap.String("handle", spec.Handle.String()), zap.Int("pid", cmd.Process.Pid))
	inst := &subprocessInstance{cmd: cmd, done: make(chan struct{})}
	ready := make(chan struct{})

	go forward(stderr, logger)
	go func() {
		scanner := bufio.NewScanner(stdout)
		signalled := false
		for scanner.Scan() {
			if !signalled && scanner.Text() == ReadyLine {
				signalled = true
				close(ready)
				continue
			}
			logger.Debug("Kernel output", zap.String("line", scanner.Text()))
		}
	}()
	go func() {
		inst.err = cmd.Wait()
		close(inst.done)
	}()

	timer := time.NewTimer(p.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		logger.Info("Kernel process ready")
		return inst, nil
	case <-inst.done:
		return nil, fmt.Errorf("kernel exited before ready: %v", inst.err)
	case <-timer.C:
		err = fmt.Errorf("kernel not ready after %s", p.opts.ReadyTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = cmd.Process.Kill()
	<-inst.done
	return nil, err
}

// forward copies the kernel's log lines into the server log
func forward(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info("Kernel log", zap.String("line", scanner.Text()))
	}
}

type subprocessInstance struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Stop interrupts the kernel and kills it if it outlives ctx.
func (i *subprocessInstance) Stop(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	default:
	}

	if err := i.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		_ = i.cmd.Process.Kill()
		<-i.done
		return ctx.Err()
	}
}

// Command kernel evaluates the executions of one document and language.
// The server starts one per runtime in subprocess mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/runtime"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/deps"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "kernel",
		Short:         "Notebook sandbox kernel",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCommand())
	return root
}

// RunOptions holds options for the run command.
type RunOptions struct {
	Workspace  string
	DocumentID string
	Language   string
	Since      string
	Handle     string
	Installer  string
	NodeImage  string
	Timeout    time.Duration
	QueueSize  int
	Fetch      bool
	LogLevel   string
	LogDev     bool
}

func newRunCommand() *cobra.Command {
	cfg := config.LoadOrDefault()
	opts := &RunOptions{
		Workspace: cfg.Workspace.Root,
		Installer: cfg.Runtime.Installer,
		NodeImage: cfg.Runtime.NodeImage,
		Timeout:   cfg.Execution.Timeout,
		QueueSize: cfg.Execution.QueueSize,
		Fetch:     cfg.Sandbox.FetchEnabled,
		LogLevel:  cfg.Logging.Level,
		LogDev:    cfg.Logging.Development,
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate executions of one document until interrupted",
		Long: `Watch a document folder of the workspace and evaluate every execution
of the given language written to it. The kernel prints "` + runtime.ReadyLine + `"
on stdout once it is watching; logs go to stderr.`,
		Example: `  kernel run --workspace /tmp/notebook-workspace --document doc1 --language typescript`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Workspace, "workspace", opts.Workspace, "Workspace root")
	flags.StringVar(&opts.DocumentID, "document", "", "Document id")
	flags.StringVar(&opts.Language, "language", string(types.LanguageTypeScript), "Cell language: typescript or chat")
	flags.StringVar(&opts.Since, "since", "", "Skip executions requested before this RFC 3339 time")
	flags.StringVar(&opts.Handle, "handle", "", "Runtime handle, for logs")
	flags.StringVar(&opts.Installer, "installer", opts.Installer, "Dependency installer: none, npm or dagger")
	flags.StringVar(&opts.NodeImage, "node-image", opts.NodeImage, "Container image for the dagger installer")
	flags.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Per-execution timeout")
	flags.IntVar(&opts.QueueSize, "queue-size", opts.QueueSize, "Maximum queued executions")
	flags.BoolVar(&opts.Fetch, "fetch", opts.Fetch, "Expose fetch to sandboxed cells")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level")
	flags.BoolVar(&opts.LogDev, "log-dev", opts.LogDev, "Human-readable logs")
	_ = cmd.MarkFlagRequired("document")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, opts *RunOptions) error {
	lang, err := types.ParseLanguage(opts.Language)
	if err != nil {
		return err
	}
	var since time.Time
	if opts.Since != "" {
		if since, err = time.Parse(time.RFC3339Nano, opts.Since); err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}

	logger, err := logging.New(logging.Config{
		Level:       opts.LogLevel,
		Development: opts.LogDev,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.With(zap.String("handle", opts.Handle))
	metrics := monitoring.NewMetrics()
	defer metrics.Close()

	installer, err := deps.NewInstaller(opts.Installer, opts.NodeImage, logger.Component("install"))
	if err != nil {
		return err
	}

	layout := workspace.New(opts.Workspace)
	evalOpts := kernel.EvaluatorOptions{
		Layout:        layout,
		DocumentID:    opts.DocumentID,
		Chat:          httpclient.New(httpclient.Options{Name: "chat", Timeout: opts.Timeout, Retries: 2}),
		FlushInterval: cfg.Sandbox.LogFlushInterval,
		Metrics:       metrics,
		Logger:        log,
	}
	if opts.Fetch {
		evalOpts.Fetch = httpclient.New(httpclient.Options{
			Name:    "sandbox-fetch",
			Timeout: cfg.Sandbox.FetchTimeout,
			RPS:     cfg.Sandbox.FetchRPS,
		})
	}
	evaluator, err := kernel.NewEvaluator(lang, evalOpts)
	if err != nil {
		return err
	}

	k, err := kernel.New(kernel.Options{
		Layout:     layout,
		DocumentID: opts.DocumentID,
		Since:      since,
		Timeout:    opts.Timeout,
		QueueSize:  opts.QueueSize,
		Installer:  installer,
		Metrics:    metrics,
		Logger:     log,
	}, evaluator)
	if err != nil {
		_ = evaluator.Close()
		return err
	}
	defer func() { _ = k.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stdout, runtime.ReadyLine)
	return k.Run(ctx)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/NotebookKernel/backend/internal/api/http"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/api/middleware"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/api/ws"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/bus"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/document"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/environment"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/execution"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/domain/runtime"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/deps"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/watcher"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	router       *gin.Engine
	registry     *runtime.Registry
	orchestrator *execution.Orchestrator
	watcher      *watcher.Watcher
	bus          *bus.Bus
	logger       *logging.Logger
	config       *config.Config
	metrics      *monitoring.Metrics
	tracer       *tracing.Tracer
}

// Options overrides collaborators; zero values are built from the config
type Options struct {
	Logger       *logging.Logger
	Metrics      *monitoring.Metrics
	Documents    document.Store
	Environments environment.Source
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	logger.Info("Initializing notebook kernel server",
		zap.String("port", cfg.Server.Port),
		zap.String("workspace", cfg.Workspace.Root),
		zap.String("runtime_mode", cfg.Runtime.Mode),
	)

	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	tracer := tracing.New("notebook-kernel", logger.Component("tracing"))
	layout := workspace.New(cfg.Workspace.Root)

	documents := opts.Documents
	if documents == nil {
		documents = document.NewFileStore(cfg.Workspace.NotebooksDir)
	}
	environments := opts.Environments
	if environments == nil {
		environments = environment.NewFileSource(cfg.Workspace.EnvironmentsFile)
	}

	provisioner, err := newProvisioner(cfg, layout, metrics, logger)
	if err != nil {
		return nil, err
	}
	registry := runtime.NewRegistry(provisioner, logger.Component("runtime")).WithMetrics(metrics)

	orchestrator := execution.New(execution.Options{
		Layout:       layout,
		Documents:    documents,
		Environments: environments,
		Runtimes:     registry,
		Extractor:    deps.NewExtractor(logger.Component("deps"), metrics),
		QueueSize:    cfg.Execution.QueueSize,
		Timeout:      cfg.Execution.Timeout,
		Metrics:      metrics,
		Tracer:       tracer,
		Logger:       logger.Component("orchestrator"),
	})

	events := bus.New(logger.Component("bus"))
	fsWatcher, err := watcher.New(watcher.Options{
		Layout:  layout,
		Bus:     events,
		Metrics: metrics,
		Logger:  logger.Component("watcher"),
	})
	if err != nil {
		orchestrator.Close()
		return nil, err
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(orchestrator, registry, logger.Component("http"))
	wsHandler := ws.NewHandler(ws.Options{
		Bus:      events,
		Replayer: fsWatcher,
		Metrics:  metrics,
		Logger:   logger.Component("ws"),
	})
	metricsAggregator := apihttp.NewMetricsAggregator(metrics, registry)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Executions
	router.POST("/documents/:id/cells/:cellId/evaluate", handlers.Evaluate)
	router.GET("/documents/:id/executions", handlers.ListExecutions)
	router.GET("/documents/:id/executions/:executionId", handlers.GetExecution)
	router.GET("/documents/:id/stream", wsHandler.HandleConnection)

	// Runtimes
	router.GET("/runtimes", handlers.ListRuntimes)
	router.DELETE("/runtimes/:handle", handlers.DeleteRuntime)

	// Metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/json", metricsAggregator.GetAggregatedMetrics)

	logger.Info("Server initialized successfully")

	return &Server{
		router:       router,
		registry:     registry,
		orchestrator: orchestrator,
		watcher:      fsWatcher,
		bus:          events,
		logger:       logger,
		config:       cfg,
		metrics:      metrics,
		tracer:       tracer,
	}, nil
}

func newProvisioner(cfg *config.Config, layout workspace.Layout, metrics *monitoring.Metrics, logger *logging.Logger) (runtime.Provisioner, error) {
	switch cfg.Runtime.Mode {
	case config.ModeSubprocess:
		return runtime.NewSubprocess(runtime.SubprocessOptions{
			Binary: cfg.Runtime.KernelBinary,
			Layout: layout,
			Logger: logger.Component("kernel"),
		}), nil
	case config.ModeInProcess:
		installer, err := deps.NewInstaller(cfg.Runtime.Installer, cfg.Runtime.NodeImage, logger.Component("install"))
		if err != nil {
			return nil, err
		}
		var fetch *httpclient.Client
		if cfg.Sandbox.FetchEnabled {
			fetch = httpclient.New(httpclient.Options{
				Name:    "sandbox-fetch",
				Timeout: cfg.Sandbox.FetchTimeout,
				RPS:     cfg.Sandbox.FetchRPS,
			})
		}
		return runtime.NewInProcess(runtime.InProcessOptions{
			Layout:    layout,
			Timeout:   cfg.Execution.Timeout,
			QueueSize: cfg.Execution.QueueSize,
			Installer: installer,
			Evaluators: kernel.EvaluatorOptions{
				Fetch:         fetch,
				Chat:          httpclient.New(httpclient.Options{Name: "chat", Timeout: cfg.Execution.Timeout, Retries: 2}),
				FlushInterval: cfg.Sandbox.LogFlushInterval,
				Metrics:       metrics,
				Logger:        logger.Component("kernel"),
			},
			Metrics: metrics,
			Logger:  logger.Component("kernel"),
		}), nil
	default:
		return nil, fmt.Errorf("invalid runtime mode %q", cfg.Runtime.Mode)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP and watches the workspace until ctx is done or either
// fails.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		return s.watcher.Run(egctx)
	})

	eg.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Close releases every runtime and stops background work. Subscribers are
// disconnected first so open streams end cleanly.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.bus.Close()
	s.orchestrator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := errors.Join(
		s.registry.Close(ctx),
		s.watcher.Close(),
	)
	if err != nil {
		s.logger.Error("Shutdown finished with errors", zap.Error(err))
	}
	s.tracer.Close()
	s.metrics.Close()
	_ = s.logger.Sync()
	return err
}

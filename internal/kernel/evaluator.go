package kernel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/chat"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/sandbox"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/kernel/script"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/types"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

// ErrNotExecutable is returned for languages without an evaluator
var ErrNotExecutable = errors.New("language is not executable")

// Evaluator runs the executions of one language. Evaluate records every
// outcome as artifacts and returns the terminal error, if any.
type Evaluator interface {
	Language() types.Language
	SetEnv(env map[string]string)
	Evaluate(ctx context.Context, meta types.ExecutionMeta, source string) error
	Close() error
}

// Metrics is the subset of the metrics collector kernels report to
type Metrics interface {
	RecordArtifact(kind string)
	IncRejectionsSwallowed()
	RecordExecution(language, outcome string, duration time.Duration)
	RecordInstall(installer, status string)
}

// EvaluatorOptions configures NewEvaluator
type EvaluatorOptions struct {
	Layout        workspace.Layout
	DocumentID    string
	Fetch         *httpclient.Client
	Chat          *httpclient.Client
	FlushInterval time.Duration
	Metrics       Metrics
	Logger        *zap.Logger
}

// NewEvaluator creates the evaluator for lang
func NewEvaluator(lang types.Language, opts EvaluatorOptions) (Evaluator, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("document_id", opts.DocumentID), zap.String("language", lang.String()))

	switch lang {
	case types.LanguageTypeScript:
		var observer sandbox.Observer
		if opts.Metrics != nil {
			observer = opts.Metrics
		}
		rt, err := sandbox.New(sandbox.Config{
			ModulesDir:    filepath.Join(opts.Layout.DocumentDir(opts.DocumentID), workspace.NodeModules),
			Fetch:         opts.Fetch,
			FlushInterval: opts.FlushInterval,
			Logger:        logger,
			Observer:      observer,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start sandbox: %w", err)
		}
		return script.New(opts.Layout, rt, opts.Metrics, logger), nil
	case types.LanguageChat:
		return chat.New(opts.Layout, opts.Chat, opts.Metrics, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, lang)
	}
}

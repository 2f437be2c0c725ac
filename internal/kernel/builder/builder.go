package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
)

// SourceFile is the name compiled cells report in errors and stacks.
const SourceFile = "cell.ts"

// Input is one cell to build.
type Input struct {
	Source string
	Links  []Link
}

// Builder turns cell source into CommonJS the sandbox can evaluate.
type Builder struct {
	logger *zap.Logger
}

// New creates a builder
func New(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{logger: logger}
}

// Build promotes the trailing value to the default export, prepends linked
// imports and compiles the result. Failures are BuildErrors.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	parsed, err := Parse(ctx, in.Source)
	if err != nil {
		return "", result.BuildError("failed to parse cell: %v", err)
	}

	imports := LinkImports(in.Links, parsed.Declared())
	body := parsed.Promote()

	res := api.Transform(imports+body, api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatCommonJS,
		Target:     api.ES2017,
		Sourcefile: SourceFile,
		LogLevel:   api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return "", result.BuildError("%s", formatMessages(res.Errors, strings.Count(imports, "\n")))
	}
	for _, w := range res.Warnings {
		b.logger.Debug("esbuild warning", zap.String("warning", w.Text))
	}
	return string(res.Code), nil
}

// formatMessages renders esbuild errors against the cell's own line numbers.
func formatMessages(msgs []api.Message, offset int) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location == nil {
			lines = append(lines, m.Text)
			continue
		}
		line := m.Location.Line - offset
		if line < 1 {
			line = 1
		}
		lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", SourceFile, line, m.Location.Column+1, m.Text))
	}
	return strings.Join(lines, "\n")
}

package deps

import (
	"context"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"go.uber.org/zap"
)

// ParseObserver is told about sources whose imports could not be read.
type ParseObserver interface {
	IncDependencyParseErrors()
}

// builtins resolve inside the sandbox and never go into the manifest.
var builtins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true,
	"events": true, "fs": true, "http": true, "https": true, "net": true,
	"os": true, "path": true, "process": true, "querystring": true,
	"stream": true, "string_decoder": true, "timers": true, "url": true,
	"util": true, "zlib": true,
}

// Extractor statically scans cell sources for module specifiers.
type Extractor struct {
	logger   *zap.Logger
	observer ParseObserver
}

// NewExtractor creates an extractor. observer may be nil.
func NewExtractor(logger *zap.Logger, observer ParseObserver) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger, observer: observer}
}

// Specifiers returns the sorted, deduplicated module specifiers of the
// top-level import and re-export declarations in source. A source that does
// not parse yields no specifiers.
func (e *Extractor) Specifiers(ctx context.Context, source string) []string {
	src := []byte(source)

	parser := sitter.NewParser()
	parser.SetLanguage(typescript.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		e.parseFailed(err.Error())
		return nil
	}
	root := tree.RootNode()
	if root.HasError() {
		e.parseFailed("syntax error")
		return nil
	}

	seen := make(map[string]bool)
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "import_statement", "export_statement":
		default:
			continue
		}
		source := node.ChildByFieldName("source")
		if source == nil {
			continue
		}
		if spec := unquote(source.Content(src)); spec != "" {
			seen[spec] = true
		}
	}

	specs := make([]string, 0, len(seen))
	for spec := range seen {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	return specs
}

// Dependencies returns the installable package names imported by sources.
func (e *Extractor) Dependencies(ctx context.Context, sources ...string) []string {
	seen := make(map[string]bool)
	for _, source := range sources {
		for _, spec := range e.Specifiers(ctx, source) {
			if name, ok := PackageName(spec); ok {
				seen[name] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Extractor) parseFailed(reason string) {
	e.logger.Warn("Failed to scan imports, manifest may be incomplete", zap.String("reason", reason))
	if e.observer != nil {
		e.observer.IncDependencyParseErrors()
	}
}

// PackageName reduces a specifier to the package that provides it. Relative,
// absolute, node: and builtin specifiers are not packages.
func PackageName(spec string) (string, bool) {
	switch {
	case spec == "",
		strings.HasPrefix(spec, "."),
		strings.HasPrefix(spec, "/"),
		strings.HasPrefix(spec, "node:"),
		strings.Contains(spec, "://"):
		return "", false
	}

	parts := strings.Split(spec, "/")
	name := parts[0]
	if strings.HasPrefix(name, "@") {
		if len(parts) < 2 || len(name) == 1 || parts[1] == "" {
			return "", false
		}
		name = parts[0] + "/" + parts[1]
	}
	if builtins[name] {
		return "", false
	}
	return name, true
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

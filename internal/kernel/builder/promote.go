package builder

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Source is a parsed cell body.
type Source struct {
	text []byte
	root *sitter.Node
}

// Parse reads source into a syntax tree. Sources with syntax errors still
// parse; callers check Valid before rewriting them.
func Parse(ctx context.Context, source string) (*Source, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(typescript.GetLanguage())

	text := []byte(source)
	tree, err := parser.ParseCtx(ctx, nil, text)
	if err != nil {
		return nil, err
	}
	return &Source{text: text, root: tree.RootNode()}, nil
}

// Valid reports whether the tree has no syntax errors.
func (s *Source) Valid() bool {
	return !s.root.HasError()
}

// Promote rewrites a trailing bare expression into the default export, and
// a trailing single-variable declaration into a named export that is also the
// default export. Anything else is returned unchanged.
func (s *Source) Promote() string {
	if !s.Valid() {
		return string(s.text)
	}
	last := s.lastStatement()
	if last == nil {
		return string(s.text)
	}

	var replacement string
	switch last.Type() {
	case "expression_statement":
		expr := last.NamedChild(0)
		if expr == nil {
			return string(s.text)
		}
		replacement = "export default (" + expr.Content(s.text) + ");"
	case "lexical_declaration", "variable_declaration":
		name, ok := singleIdentifier(last, s.text)
		if !ok {
			return string(s.text)
		}
		decl := strings.TrimSpace(last.Content(s.text))
		if !strings.HasSuffix(decl, ";") {
			decl += ";"
		}
		replacement = "export " + decl + "\nexport default " + name + ";"
	default:
		return string(s.text)
	}

	var sb strings.Builder
	sb.Write(s.text[:last.StartByte()])
	sb.WriteString(replacement)
	sb.Write(s.text[last.EndByte():])
	return sb.String()
}

// Declared returns the names the source binds at top level.
func (s *Source) Declared() map[string]bool {
	names := make(map[string]bool)
	for i := 0; i < int(s.root.NamedChildCount()); i++ {
		collectDeclared(s.root.NamedChild(i), s.text, names)
	}
	return names
}

func (s *Source) lastStatement() *sitter.Node {
	for i := int(s.root.NamedChildCount()) - 1; i >= 0; i-- {
		node := s.root.NamedChild(i)
		if node.Type() != "comment" {
			return node
		}
	}
	return nil
}

func singleIdentifier(decl *sitter.Node, text []byte) (string, bool) {
	var declarators []*sitter.Node
	for i := 0; i < int(decl.NamedChildCount()); i++ {
		if child := decl.NamedChild(i); child.Type() == "variable_declarator" {
			declarators = append(declarators, child)
		}
	}
	if len(declarators) != 1 {
		return "", false
	}
	name := declarators[0].ChildByFieldName("name")
	if name == nil || name.Type() != "identifier" {
		return "", false
	}
	return name.Content(text), true
}

func collectDeclared(node *sitter.Node, text []byte, names map[string]bool) {
	switch node.Type() {
	case "lexical_declaration", "variable_declaration":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() != "variable_declarator" {
				continue
			}
			if name := child.ChildByFieldName("name"); name != nil {
				collectPattern(name, text, names)
			}
		}
	case "function_declaration", "generator_function_declaration", "class_declaration",
		"abstract_class_declaration", "enum_declaration":
		if name := node.ChildByFieldName("name"); name != nil {
			names[name.Content(text)] = true
		}
	case "export_statement":
		if decl := node.ChildByFieldName("declaration"); decl != nil {
			collectDeclared(decl, text, names)
		}
	case "import_statement":
		collectImportBindings(node, text, names)
	}
}

// collectPattern walks destructuring patterns down to their identifiers.
func collectPattern(node *sitter.Node, text []byte, names map[string]bool) {
	switch node.Type() {
	case "identifier", "shorthand_property_identifier_pattern":
		names[node.Content(text)] = true
		return
	case "pair_pattern":
		if value := node.ChildByFieldName("value"); value != nil {
			collectPattern(value, text, names)
		}
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		collectPattern(node.NamedChild(i), text, names)
	}
}

func collectImportBindings(node *sitter.Node, text []byte, names map[string]bool) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "import_clause", "named_imports", "namespace_import":
			collectImportBindings(child, text, names)
		case "import_specifier":
			if alias := child.ChildByFieldName("alias"); alias != nil {
				names[alias.Content(text)] = true
			} else if name := child.ChildByFieldName("name"); name != nil {
				names[name.Content(text)] = true
			}
		case "identifier":
			names[child.Content(text)] = true
		}
	}
}

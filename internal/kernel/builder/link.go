package builder

import (
	"strconv"
	"strings"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

// Link is a prerequisite execution whose exports a cell may import.
type Link struct {
	ExecutionID id.ExecutionID
	// Specifier is the module path the sandbox resolves to the evaluated
	// exports of the execution.
	Specifier string
	Exports   []string
}

// DefaultAlias is the local name of a linked execution's default export.
func DefaultAlias(exec id.ExecutionID) string {
	return "_" + exec.String()
}

// LinkImports synthesizes the import declarations for links. A name is
// imported only from the latest link that exports it, and not at all when the
// cell declares it itself. Every default export is imported under its
// execution alias.
func LinkImports(links []Link, declared map[string]bool) string {
	owner := make(map[string]int)
	for i, link := range links {
		for _, name := range link.Exports {
			if name != "default" {
				owner[name] = i
			}
		}
	}

	var sb strings.Builder
	for i, link := range links {
		var specs []string
		seen := make(map[string]bool)
		for _, name := range link.Exports {
			if seen[name] {
				continue
			}
			seen[name] = true
			switch {
			case name == "default":
				if alias := DefaultAlias(link.ExecutionID); !declared[alias] {
					specs = append(specs, "default as "+alias)
				}
			case owner[name] == i && !declared[name] && isIdentifier(name):
				specs = append(specs, name)
			}
		}
		if len(specs) == 0 {
			continue
		}
		sb.WriteString("import { ")
		sb.WriteString(strings.Join(specs, ", "))
		sb.WriteString(" } from ")
		sb.WriteString(strconv.Quote(link.Specifier))
		sb.WriteString(";\n")
	}
	return sb.String()
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

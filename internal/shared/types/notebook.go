package types

import (
	"fmt"
	"time"
)

// Language identifies how a cell is evaluated
type Language string

const (
	LanguageMarkdown   Language = "markdown"
	LanguageChat       Language = "chat"
	LanguageTypeScript Language = "typescript"
)

// ParseLanguage validates a language name
func ParseLanguage(s string) (Language, error) {
	switch l := Language(s); l {
	case LanguageMarkdown, LanguageChat, LanguageTypeScript:
		return l, nil
	default:
		return "", fmt.Errorf("unknown language %q", s)
	}
}

// Executable reports whether cells of this language produce executions
func (l Language) Executable() bool {
	return l == LanguageChat || l == LanguageTypeScript
}

// SourceExt is the extension of the raw source file in an execution folder
func (l Language) SourceExt() string {
	switch l {
	case LanguageTypeScript:
		return "ts"
	case LanguageChat:
		return "prompt"
	default:
		return "md"
	}
}

// LanguageForExt maps a raw source extension back to its language
func LanguageForExt(ext string) (Language, bool) {
	switch ext {
	case "ts":
		return LanguageTypeScript, true
	case "prompt":
		return LanguageChat, true
	}
	return "", false
}

func (l Language) String() string { return string(l) }

// Cell is one unit of source content. Cells are values: edits replace the
// whole cell in its document.
type Cell struct {
	ID        string    `json:"id" yaml:"id"`
	Language  Language  `json:"language" yaml:"language"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Document is an ordered list of cells with an optional selected environment
type Document struct {
	ID            string `json:"id" yaml:"id"`
	EnvironmentID string `json:"environmentId,omitempty" yaml:"environment"`
	Cells         []Cell `json:"cells" yaml:"cells"`
}

// Cell returns the cell with the given id and its position
func (d *Document) Cell(cellID string) (Cell, int, bool) {
	for i, c := range d.Cells {
		if c.ID == cellID {
			return c, i, true
		}
	}
	return Cell{}, -1, false
}

// WithCell returns a copy of the document with the cell of the same id
// replaced, or appended when absent.
func (d Document) WithCell(cell Cell) Document {
	cells := make([]Cell, len(d.Cells), len(d.Cells)+1)
	copy(cells, d.Cells)

	replaced := false
	for i := range cells {
		if cells[i].ID == cell.ID {
			cells[i] = cell
			replaced = true
			break
		}
	}
	if !replaced {
		cells = append(cells, cell)
	}

	d.Cells = cells
	return d
}

// CellsOf returns the cells of the given language in document order
func (d *Document) CellsOf(lang Language) []Cell {
	var out []Cell
	for _, c := range d.Cells {
		if c.Language == lang {
			out = append(out, c)
		}
	}
	return out
}

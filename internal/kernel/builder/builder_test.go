package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

func TestPromote(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"bare expression", "1 + 1", "export default (1 + 1);"},
		{"expression after statements", "const a = 2\na * 3;\n", "const a = 2\nexport default (a * 3);\n"},
		{"trailing comment kept", "x // note", "export default (x); // note"},
		{"single declaration", "const a = 1\nconst b = a + 1", "const a = 1\nexport const b = a + 1;\nexport default b;"},
		{"multiple declarators untouched", "let x = 1, y = 2", "let x = 1, y = 2"},
		{"destructuring untouched", "const { a } = o", "const { a } = o"},
		{"explicit export untouched", "export const a = 1", "export const a = 1"},
		{"function untouched", "function f() {}", "function f() {}"},
		{"syntax error untouched", "1 +", "1 +"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Parse(context.Background(), tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.want, src.Promote())
		})
	}
}

func TestDeclared(t *testing.T) {
	src, err := Parse(context.Background(), `
import d, { e as g, k } from 'x'
import * as ns from 'y'
const { a, b: c } = o
function f() {}
class K {}
export const h = 1
`)
	require.NoError(t, err)

	got := src.Declared()
	for _, name := range []string{"a", "c", "d", "f", "g", "h", "k", "K", "ns"} {
		assert.True(t, got[name], name)
	}
	assert.False(t, got["b"])
	assert.False(t, got["e"])
}

func TestLinkImports(t *testing.T) {
	first := id.ExecutionID("01HX0000000000000000000001")
	second := id.ExecutionID("01HX0000000000000000000002")
	links := []Link{
		{ExecutionID: first, Specifier: "/ws/doc/" + first.String(), Exports: []string{"a", "shared", "default"}},
		{ExecutionID: second, Specifier: "/ws/doc/" + second.String(), Exports: []string{"shared", "mine", "not-an-ident"}},
	}

	got := LinkImports(links, map[string]bool{"mine": true})

	assert.Equal(t,
		"import { a, default as _01HX0000000000000000000001 } from \"/ws/doc/01HX0000000000000000000001\";\n"+
			"import { shared } from \"/ws/doc/01HX0000000000000000000002\";\n",
		got)
}

func TestLinkImportsEmpty(t *testing.T) {
	assert.Empty(t, LinkImports(nil, nil))
	assert.Empty(t, LinkImports([]Link{{ExecutionID: "01HX", Specifier: "/x"}}, nil))
}

func TestBuild(t *testing.T) {
	b := New(nil)

	code, err := b.Build(context.Background(), Input{Source: "const n: number = 1 + 1\n"})
	require.NoError(t, err)
	assert.Contains(t, code, "module.exports")
	assert.NotContains(t, code, ": number")
}

func TestBuildLinksPrerequisites(t *testing.T) {
	exec := id.ExecutionID("01HX0000000000000000000001")
	code, err := New(nil).Build(context.Background(), Input{
		Source: "a + _01HX0000000000000000000001",
		Links:  []Link{{ExecutionID: exec, Specifier: "/ws/doc/" + exec.String(), Exports: []string{"a", "default"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, code, `require("/ws/doc/01HX0000000000000000000001")`)
}

func TestBuildSyntaxErrorReportsCellLine(t *testing.T) {
	exec := id.ExecutionID("01HX0000000000000000000001")
	_, err := New(nil).Build(context.Background(), Input{
		Source: "const a = 1\nconst = 2",
		Links:  []Link{{ExecutionID: exec, Specifier: "/ws/doc/x", Exports: []string{"z"}}},
	})
	require.Error(t, err)
	assert.True(t, result.IsKind(err, result.KindBuild))
	assert.Contains(t, err.Error(), "cell.ts:2:")
}

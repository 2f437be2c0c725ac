package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    Language
		wantErr bool
	}{
		{"typescript", LanguageTypeScript, false},
		{"chat", LanguageChat, false},
		{"markdown", LanguageMarkdown, false},
		{"python", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLanguage(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLanguageExtRoundTrip(t *testing.T) {
	for _, lang := range []Language{LanguageTypeScript, LanguageChat} {
		got, ok := LanguageForExt(lang.SourceExt())
		assert.True(t, ok)
		assert.Equal(t, lang, got)
	}
	assert.False(t, LanguageMarkdown.Executable())
}

func TestWithCellCopiesOnWrite(t *testing.T) {
	doc := Document{ID: "doc", Cells: []Cell{
		{ID: "a", Language: LanguageTypeScript, Content: "1"},
		{ID: "b", Language: LanguageTypeScript, Content: "2"},
	}}

	next := doc.WithCell(Cell{ID: "a", Language: LanguageTypeScript, Content: "3"})

	assert.Equal(t, "1", doc.Cells[0].Content, "original must not change")
	assert.Equal(t, "3", next.Cells[0].Content)

	appended := doc.WithCell(Cell{ID: "c"})
	assert.Len(t, appended.Cells, 3)
	assert.Len(t, doc.Cells, 2)
}

func TestExecutionMetaOlderThan(t *testing.T) {
	cell := Cell{ID: "a", Language: LanguageTypeScript, Timestamp: time.Now().Add(-time.Minute)}
	meta := NewExecutionMeta("doc", cell, nil)

	assert.False(t, meta.OlderThan(cell))
	assert.False(t, meta.Evaluated())
	assert.Nil(t, meta.LinkedExecutionIDs)

	cell.Timestamp = time.Now().Add(time.Minute)
	assert.True(t, meta.OlderThan(cell))
}

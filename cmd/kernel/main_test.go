package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandFlags(t *testing.T) {
	cmd := newRunCommand()
	for _, name := range []string{"workspace", "document", "language", "since", "handle", "installer", "timeout", "fetch"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "typescript", cmd.Flags().Lookup("language").DefValue)
}

func TestRunCommandRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing document", []string{"run"}},
		{"unknown language", []string{"run", "--document", "doc", "--language", "python", "--workspace", "WS"}},
		{"bad since", []string{"run", "--document", "doc", "--since", "yesterday", "--workspace", "WS"}},
		{"bad installer", []string{"run", "--document", "doc", "--installer", "yarn", "--workspace", "WS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand()
			root.SetOut(io.Discard)
			root.SetErr(io.Discard)
			args := make([]string, len(tt.args))
			for i, a := range tt.args {
				if a == "WS" {
					a = t.TempDir()
				}
				args[i] = a
			}
			root.SetArgs(args)
			require.Error(t, root.Execute())
		})
	}
}

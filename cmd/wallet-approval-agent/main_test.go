package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"keys", "init"},
		{"keys", "address"},
		{"requests", "list"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	assert.NotNil(t, root.Flags().Lookup("unlock"))
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("data-dir"))
}

func TestPrintPairQR(t *testing.T) {
	var buf bytes.Buffer
	printPairQR(&buf, "http://127.0.0.1:6137/ui/#/?server=http%3A%2F%2F127.0.0.1%3A6137&pair_id=x&code=ABCD2345")

	out := buf.String()
	assert.NotEmpty(t, strings.TrimSpace(out))
	assert.Greater(t, strings.Count(out, "\n"), 10)
}

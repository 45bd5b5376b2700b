package helpers

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptLine(t *testing.T) {
	var out bytes.Buffer

	assert.Equal(t, "value", promptLine(strings.NewReader("  value \n"), &out, "Label", "def"))
	assert.Equal(t, "Label [def]: ", out.String())

	out.Reset()
	assert.Equal(t, "def", promptLine(strings.NewReader("\n"), &out, "Label", "def"))
	assert.Equal(t, "def", promptLine(strings.NewReader(""), &out, "Label", "def"))
	assert.Equal(t, "last", promptLine(strings.NewReader("last"), &out, "Label", ""))
}

func TestPromptYesNo(t *testing.T) {
	var out bytes.Buffer
	for in, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "maybe\n": false} {
		got, err := promptYesNo(strings.NewReader(in), &out, "ok? ")
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	_, err := promptYesNo(strings.NewReader(""), &out, "ok? ")
	assert.Error(t, err)
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword([]byte("correct-horse!")))
	assert.Error(t, ValidatePassword([]byte("short")))
	assert.Error(t, ValidatePassword([]byte("has a space")))
	assert.Error(t, ValidatePassword([]byte("tab\tinside!")))
}

func TestWipe(t *testing.T) {
	b := []byte("secret")
	Wipe(b)
	assert.Equal(t, make([]byte, 6), b)
}

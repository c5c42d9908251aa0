package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTranscript(t *testing.T) {
	t.Run("append and size", func(t *testing.T) {
		dir := t.TempDir()
		tr, err := NewFileTranscript(dir)
		require.NoError(t, err)
		defer tr.Close()

		require.NoError(t, tr.Append("line one"))
		require.NoError(t, tr.Append("line two"))

		assert.Equal(t, int64(len("line one\nline two\n")), tr.Size())
		assert.True(t, strings.HasPrefix(filepath.Base(tr.Path()), "debug_data-"))

		data, err := os.ReadFile(tr.Path())
		require.NoError(t, err)
		assert.Equal(t, "line one\nline two\n", string(data))
	})

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "logs")
		tr, err := NewFileTranscript(dir)
		require.NoError(t, err)
		defer tr.Close()

		require.NoError(t, tr.Append("x"))
		_, err = os.Stat(tr.Path())
		assert.NoError(t, err)
	})

	t.Run("append after close fails", func(t *testing.T) {
		tr, err := NewFileTranscript(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, tr.Close())
		assert.Error(t, tr.Append("too late"))
		assert.NoError(t, tr.Close())
	})

	t.Run("file survives close", func(t *testing.T) {
		tr, err := NewFileTranscript(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, tr.Append("kept"))
		require.NoError(t, tr.Close())

		data, err := os.ReadFile(tr.Path())
		require.NoError(t, err)
		assert.Equal(t, "kept\n", string(data))
	})
}

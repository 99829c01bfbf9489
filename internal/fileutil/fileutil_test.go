package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		full := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
}

func TestExpandGlobsMatchesTopLevel(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.go", "b.go", "c.txt")

	matches, err := ExpandGlobs(root, []string{"*.go"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.go"), filepath.Join(root, "b.go")}, matches)
}

func TestExpandGlobsDoubleStarRecurses(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "src/a.go", "src/pkg/b.go")

	matches, err := ExpandGlobs(root, []string{"**/*.go"})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestExpandGlobsDedupesAcrossPatterns(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.go")

	matches, err := ExpandGlobs(root, []string{"*.go", "a.*"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.go")}, matches)
}

func TestExpandGlobsNoMatchIsNotAnError(t *testing.T) {
	root := t.TempDir()
	matches, err := ExpandGlobs(root, []string{"*.nonexistent"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExists(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "present.txt")

	assert.True(t, Exists(filepath.Join(root, "present.txt")))
	assert.False(t, Exists(filepath.Join(root, "absent.txt")))
}

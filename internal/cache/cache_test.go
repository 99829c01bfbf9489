package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaleIsTrueForUntrackedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, ".jake"))
	require.NoError(t, err)

	target := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(target, []byte("int main() {}"), 0o644))

	stale, err := store.Stale([]string{target})
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestUpdateThenStaleIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, ".jake"))
	require.NoError(t, err)

	target := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(target, []byte("int main() {}"), 0o644))

	require.NoError(t, store.Update([]string{target}))

	stale, err := store.Stale([]string{target})
	require.NoError(t, err)
	assert.False(t, stale, "an unmodified tracked file must not be stale")
}

func TestModifyingOneFileMarksOnlyItStale(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, ".jake")
	store, err := Open(stateDir)
	require.NoError(t, err)

	mainC := filepath.Join(dir, "main.c")
	utilC := filepath.Join(dir, "util.c")
	require.NoError(t, os.WriteFile(mainC, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(utilC, []byte("b"), 0o644))
	require.NoError(t, store.Update([]string{mainC, utilC}))

	require.NoError(t, os.WriteFile(utilC, []byte("b-changed"), 0o644))

	staleMain, err := store.Stale([]string{mainC})
	require.NoError(t, err)
	assert.False(t, staleMain)

	staleUtil, err := store.Stale([]string{utilC})
	require.NoError(t, err)
	assert.True(t, staleUtil)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, ".jake")

	target := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(target, []byte("a"), 0o644))

	store, err := Open(stateDir)
	require.NoError(t, err)
	require.NoError(t, store.Update([]string{target}))

	reopened, err := Open(stateDir)
	require.NoError(t, err)

	stale, err := reopened.Stale([]string{target})
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestLockExcludesSecondAcquisition(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, ".jake"))
	require.NoError(t, err)

	unlock, err := store.Lock()
	require.NoError(t, err)
	defer unlock()

	other, err := Open(filepath.Join(dir, ".jake"))
	require.NoError(t, err)

	locked := make(chan struct{})
	go func() {
		u, err := other.Lock()
		if err == nil {
			u()
		}
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("second Lock() should not have succeeded while the first is held")
	default:
	}
}

func TestHashFileMatchesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	h1, size1, err := HashFile(path)
	require.NoError(t, err)
	h2, size2, err := HashFile(path)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, size1, size2)
	assert.EqualValues(t, 5, size1)
}

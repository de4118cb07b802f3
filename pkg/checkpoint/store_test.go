package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the Store behavior shared by every backend.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	// Absent key
	_, ok, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Put then get
	require.NoError(t, s.Put(ctx, "s1", "cp-1"))
	v, ok, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cp-1", v)

	// Replace
	require.NoError(t, s.Put(ctx, "s1", "cp-2"))
	v, _, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cp-2", v)

	// Keys are independent
	require.NoError(t, s.Put(ctx, "s2", "other"))
	v, _, _ = s.Get(ctx, "s1")
	assert.Equal(t, "cp-2", v)

	// Remove, including removing an absent key
	require.NoError(t, s.Remove(ctx, "s1"))
	_, ok, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Remove(ctx, "s1"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	storeContract(t, s)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(context.Background(), "s1", "v"), ErrClosed)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}

func TestFileStore_DurableAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "s1", "cp-42"))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	v, ok, err := reopened.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cp-42", v)
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put(context.Background(), "s1", "v"))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_PathSafety(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "../escape", "v"))
	v, ok, err := s.Get(ctx, "../escape")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape"))
	assert.True(t, os.IsNotExist(err), "checkpoint must stay inside its directory")
}

package snapshot

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "src.db")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

// --- Tests ---

func TestCopyThrottled(t *testing.T) {
	src, data := writeRandomFile(t, 3*chunkSize+123)
	dst := filepath.Join(t.TempDir(), "backups", "copy.db")

	result, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.Bytes)
	assert.Equal(t, dst, result.Path)
	want := sha256.Sum256(data)
	assert.Equal(t, want[:], result.SHA256)

	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, copied)

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file renamed away")
}

func TestCopyThrottledHonoursContext(t *testing.T) {
	src, _ := writeRandomFile(t, 2*chunkSize)
	dst := filepath.Join(t.TempDir(), "copy.db")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, dst, chunkSize)
	require.Error(t, err)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "failed copies leave nothing behind")
	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCopyThrottledMissingSource(t *testing.T) {
	_, err := CopyThrottled(context.Background(), filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "dst"), 0)
	assert.ErrorContains(t, err, "open src")
}

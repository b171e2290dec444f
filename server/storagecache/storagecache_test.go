package storagecache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/server/storage"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, maxBytes int64) (*storage.StorageFS, *StorageCache, string) {
	t.Helper()
	log := logs.NewTestingLog(t)
	upstream, err := storage.NewStorageFS(log, filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	cacheRoot := filepath.Join(t.TempDir(), "cache")
	cache, err := NewStorageCache(log, upstream, cacheRoot, maxBytes)
	require.NoError(t, err)
	return upstream, cache, cacheRoot
}

func TestCacheSeek(t *testing.T) {
	upstream, cache, _ := setup(t, 1024)
	_, err := storage.WriteFile(upstream, "x/a.mp4", bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)

	r, err := cache.Open("x/a.mp4")
	require.NoError(t, err)
	defer r.Close()
	require.EqualValues(t, 10, r.Size())
	up, err := upstream.ReadFile("x/a.mp4")
	require.NoError(t, err)
	up.Reader.Close()
	require.True(t, up.ModifiedAt.Equal(r.ModifiedAt()))
	_, err = r.Seek(5, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "56789", string(rest))
}

func TestCacheMissing(t *testing.T) {
	_, cache, _ := setup(t, 1024)
	_, err := cache.Open("x/missing.mp4")
	require.ErrorIs(t, err, storage.ErrNotExist)
	_, err = cache.Open("../etc/passwd")
	require.ErrorIs(t, err, storage.ErrInvalidName)
}

func TestCacheEviction(t *testing.T) {
	upstream, cache, cacheRoot := setup(t, 15)
	for _, name := range []string{"a", "b", "c"} {
		_, err := storage.WriteFile(upstream, name, bytes.NewReader([]byte("0123456789")))
		require.NoError(t, err)
	}
	open := func(name string) {
		r, err := cache.Open(name)
		require.NoError(t, err)
		require.NoError(t, r.Close())
	}
	open("a")
	open("b")
	require.EqualValues(t, 20, cache.BytesUsed())

	// Over budget, so 'a' (least recently used) is evicted before 'c' is fetched
	open("c")
	require.EqualValues(t, 20, cache.BytesUsed())
	_, err := os.Stat(filepath.Join(cacheRoot, "a"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cacheRoot, "b"))
	require.NoError(t, err)

	// 'a' can still be fetched again
	open("a")
}

func TestCacheKeepsOpenItems(t *testing.T) {
	upstream, cache, cacheRoot := setup(t, 5)
	for _, name := range []string{"a", "b"} {
		_, err := storage.WriteFile(upstream, name, bytes.NewReader([]byte("0123456789")))
		require.NoError(t, err)
	}
	ra, err := cache.Open("a")
	require.NoError(t, err)
	rb, err := cache.Open("b")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cacheRoot, "a"))
	require.NoError(t, err)
	ra.Close()
	rb.Close()
}

package iox

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("boom")
}

type bufCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufCloser) Close() error {
	b.closed = true
	return nil
}

func TestWriteStreamToFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "a.bin")
	n, err := WriteStreamToFile(fn, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	b, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	out := &bufCloser{}
	require.NoError(t, CopyFileToWriter(fn, out))
	require.Equal(t, "hello", out.String())
	require.True(t, out.closed)
}

func TestWriteStreamToFileFailureRemovesFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "b.bin")
	_, err := WriteStreamToFile(fn, failingReader{})
	require.Error(t, err)
	_, err = os.Stat(fn)
	require.True(t, os.IsNotExist(err))
}

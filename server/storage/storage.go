package storage

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var ErrNotAFilesystem = errors.New("Storage is not a local filesystem")
var ErrNotExist = errors.New("File does not exist in storage")
var ErrInvalidName = errors.New("Invalid storage file name")

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader.
	// If the file does not exist, the error wraps ErrNotExist.
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error


	// Returns the path on the local filesystem, or ErrNotAFilesystem
	Filename(name string) (string, error)
}

// File is an element in blob storage.
// Reader is an io.ReadSeeker if the storage backend supports seeking.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// ValidateName rejects names that could escape the storage root.
// Names are always forward slash separated and relative.
func ValidateName(name string) error {
	if name == "" ||
		strings.Contains(name, "..") ||
		strings.Contains(name, "\\") ||
		strings.HasPrefix(name, "/") ||
		path.Clean(name) != name {
		return fmt.Errorf("%w: '%v'", ErrInvalidName, name)
	}
	return nil
}

// WriteFile streams content into a new storage file, and returns the number of bytes written
func WriteFile(s Storage, name string, content io.Reader) (int64, error) {
	f, err := s.WriteFile(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return 0, err
	}
	return n, errClose
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

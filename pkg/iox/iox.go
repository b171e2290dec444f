package iox

import (
	"io"
	"os"
)

// WriteStreamToFile copies src into a new file, and returns the number of bytes written.
// On failure, the partially written file is removed.
func WriteStreamToFile(dstFilename string, src io.Reader) (int64, error) {
	dstFile, err := os.Create(dstFilename)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dstFile, src)
	if errClose := dstFile.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		os.Remove(dstFilename)
		return 0, err
	}
	return n, nil
}

// CopyFileToWriter streams the contents of a file into w.
// This is the reverse of WriteStreamToFile, and w is closed when done.
func CopyFileToWriter(srcFilename string, w io.WriteCloser) error {
	src, err := os.Open(srcFilename)
	if err != nil {
		w.Close()
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	if errClose := w.Close(); err == nil {
		err = errClose
	}
	return err
}

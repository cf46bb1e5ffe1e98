package iox

import (
	"io"
	"os"
	"path/filepath"
)

// WriteStreamToFile copies src into dstFilename.
// The data goes to a temporary file first, so a failed or interrupted copy never
// leaves a truncated dstFilename behind. Missing parent directories are created.
func WriteStreamToFile(dstFilename string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dstFilename), 0755); err != nil {
		return err
	}
	tempFilename := dstFilename + ".tmp"
	dstFile, err := os.Create(tempFilename)
	if err != nil {
		return err
	}
	_, err = io.Copy(dstFile, src)
	if closeErr := dstFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempFilename)
		return err
	}
	return os.Rename(tempFilename, dstFilename)
}

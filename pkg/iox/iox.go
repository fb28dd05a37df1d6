package iox

import (
	"io"
	"os"
)

// Write src to dstFilename. If the copy fails, the partial file is removed.
func WriteStreamToFile(dstFilename string, src io.Reader) error {
	dstFile, err := os.Create(dstFilename)
	if err != nil {
		return err
	}
	defer dstFile.Close()
	_, err = io.Copy(dstFile, src)
	if err != nil {
		dstFile.Close()
		os.Remove(dstFilename)
		return err
	}
	return dstFile.Close()
}

// Write to a temp file and then rename it, so that a directory scan never sees a half written file
func WriteFileAtomic(dstFilename string, content []byte) error {
	tmp := dstFilename + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstFilename)
}

// WriteStreamAtomic is WriteFileAtomic for a stream
func WriteStreamAtomic(dstFilename string, src io.Reader) error {
	tmp := dstFilename + ".tmp"
	if err := WriteStreamToFile(tmp, src); err != nil {
		return err
	}
	return os.Rename(tmp, dstFilename)
}

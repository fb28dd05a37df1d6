package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/snapdetect/server/config"
)

var ErrNoPublicUrl = errors.New("Storage has no public URL")
var ErrInvalidName = errors.New("Invalid file name")

// Storage is an abstraction of a blob store (eg GCS), which holds our result images
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error

	// Return a URL that clients can fetch the file from directly, or ErrNoPublicUrl
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Open the blob store described by the config.
// If no store is configured, we use the filesystem, rooted at defaultRoot.
func Open(log logs.Log, cfg config.StorageConfig, defaultRoot string) (Storage, error) {
	if cfg.GCS != nil {
		return NewStorageGCS(log, cfg.GCS.Bucket, cfg.GCS.Public)
	} else if cfg.Filesystem != nil {
		return NewStorageFS(log, cfg.Filesystem.Root)
	}
	return NewStorageFS(log, defaultRoot)
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func WriteBytes(s Storage, name string, content []byte) error {
	return WriteFile(s, name, bytes.NewReader(content))
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	return nil
}

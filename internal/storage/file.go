// Package storage provides JSON file persistence with atomic replacement.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Bidon15/nsigner"
)

// File is a JSON document on disk. Writes go through a temp file, fsync and
// rename so a crash leaves either the old or the new document.
type File struct {
	mu   sync.Mutex
	path string
}

// Open prepares a file at path, creating the parent directory with 0700
// permissions. The file itself is created on first Save.
func Open(path string) (*File, error) {
	if path == "" {
		return nil, nsigner.NewValidationError("path", "is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return &File{path: path}, nil
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Load decodes the document into v. It reports false when the file does not
// exist or is empty, leaving v untouched.
func (f *File) Load(v any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = fh.Close() }()

	data, err := io.ReadAll(fh)
	if err != nil {
		return false, fmt.Errorf("read file: %w", err)
	}

	// Empty file is valid
	if len(data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %v", nsigner.ErrStoreCorrupted, err)
	}
	return true, nil
}

// Save replaces the document with v.
func (f *File) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(f.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", nsigner.ErrStorePersist, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write: %v", nsigner.ErrStorePersist, err)
	}

	// Data must be on disk before the rename makes it visible
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync: %v", nsigner.ErrStorePersist, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close: %v", nsigner.ErrStorePersist, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", nsigner.ErrStorePersist, err)
	}
	return nil
}

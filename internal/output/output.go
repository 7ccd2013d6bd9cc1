// Package output writes received media bytes to a file.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// File is an append-only media file. Writes are serialized.
type File struct {
	mu      sync.Mutex
	file    afero.File
	path    string
	written int64
}

// Create creates (or truncates) path on fs, creating parent directories.
func Create(fs afero.Fs, path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	return &File{file: f, path: path}, nil
}

// Write appends p to the file.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.file.Write(p)
	f.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	return n, nil
}

// Written returns the number of bytes written so far.
func (f *File) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Close syncs and closes the file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return fmt.Errorf("failed to sync %s: %w", f.path, err)
	}
	return f.file.Close()
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem gives guarded access to plain files directly inside a root
type Filesystem struct {
	baseDir string
}

// NewFilesystem creates a filesystem view of baseDir
func NewFilesystem(baseDir string) *Filesystem {
	return &Filesystem{baseDir: baseDir}
}

// Path returns the location of name inside the root without validation
func (fs *Filesystem) Path(name string) string {
	return filepath.Join(fs.baseDir, name)
}

// resolve maps name to a path inside the root
func (fs *Filesystem) resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(fs.baseDir, name)

	// Security: prevent directory traversal
	if filepath.Dir(filepath.Clean(path)) != filepath.Clean(fs.baseDir) {
		return "", fmt.Errorf("%w: path traversal detected in %q", ErrInvalidName, name)
	}
	return path, nil
}

// ReadFile reads the named file
func (fs *Filesystem) ReadFile(name string) ([]byte, error) {
	path, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFileAtomic writes data to a hidden temp file and renames it over name
// so readers never observe a partially written document.
func (fs *Filesystem) WriteFileAtomic(name string, data []byte) error {
	path, err := fs.resolve(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fs.baseDir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

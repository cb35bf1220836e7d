package receipt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Storage defines the interface for file storage operations
type Storage interface {
	// Save replaces the file at path with data. Readers see either the old
	// or the new contents, never a partial write.
	Save(path string, data []byte) error

	// Get retrieves a file by path
	Get(path string) ([]byte, error)

	// Exists reports whether a file is present at path
	Exists(path string) (bool, error)

	// Delete removes a file
	Delete(path string) error

	// DeleteDir removes a directory and everything below it
	DeleteDir(path string) error
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save writes data to a temp file next to the target, syncs it and renames it into place
func (l *LocalStorage) Save(path string, data []byte) error {
	fullPath := filepath.Join(l.basePath, path)
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		return fmt.Errorf("replacing file: %w", err)
	}
	committed = true
	return nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(path string) ([]byte, error) {
	fullPath := filepath.Join(l.basePath, path)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading file %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Exists reports whether a regular file is present at path
func (l *LocalStorage) Exists(path string) (bool, error) {
	st, err := os.Stat(filepath.Join(l.basePath, path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking file: %w", err)
	}
	return !st.IsDir(), nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(path string) error {
	fullPath := filepath.Join(l.basePath, path)
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting file %s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// DeleteDir removes a directory tree from local storage
func (l *LocalStorage) DeleteDir(path string) error {
	if path == "" || path == "." {
		return fmt.Errorf("deleting directory: %w", ErrInvalidName)
	}
	if err := os.RemoveAll(filepath.Join(l.basePath, path)); err != nil {
		return fmt.Errorf("deleting directory: %w", err)
	}
	return nil
}

package upload

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage keeps the bytes of queued uploads
type Storage interface {
	// Save stores data under key and returns the key to read it back
	Save(key string, data []byte) (string, error)

	// Get retrieves stored data
	Get(key string) ([]byte, error)

	// Delete removes stored data
	Delete(key string) error

	// Clear removes everything in the store
	Clear() error
}

// LocalStorage implements Storage in a scratch directory on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage rooted at basePath
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// path confines key to the storage directory
func (l *LocalStorage) path(key string) string {
	return filepath.Join(l.basePath, filepath.Base(key))
}

// Save writes data to local storage
func (l *LocalStorage) Save(key string, data []byte) (string, error) {
	key = filepath.Base(key)
	if err := os.WriteFile(l.path(key), data, 0600); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return key, nil
}

// Get reads data from local storage
func (l *LocalStorage) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes data from local storage
func (l *LocalStorage) Delete(key string) error {
	if err := os.Remove(l.path(key)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// Clear removes every stored upload, leaving the directory in place
func (l *LocalStorage) Clear() error {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return fmt.Errorf("listing storage directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(l.basePath, entry.Name())); err != nil {
			return fmt.Errorf("clearing %s: %w", entry.Name(), err)
		}
	}
	return nil
}

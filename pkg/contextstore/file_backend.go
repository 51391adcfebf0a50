package contextstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileBackend stores each document as a JSON file.
// Storage layout:
//
//	<baseDir>/
//	  ├── contexts/
//	  │   └── <owner>/
//	  │       └── <type>.json
//	  └── shared/
//	      └── <id>.json
//
// Writes go to a temporary file in the target directory which is then renamed
// over the destination.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a file backend rooted at baseDir.
// If baseDir is empty, uses ~/.conductor/context.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".conductor", "context")
	}

	for _, dir := range []string{filepath.Join(baseDir, "contexts"), filepath.Join(baseDir, "shared")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return &FileBackend{baseDir: baseDir}, nil
}

func (f *FileBackend) documentPath(key Key) string {
	return filepath.Join(f.baseDir, "contexts", key.Owner, key.Type+".json")
}

func (f *FileBackend) sharedPath(id string) string {
	return filepath.Join(f.baseDir, "shared", id+".json")
}

// Write replaces the document atomically.
func (f *FileBackend) Write(ctx context.Context, key Key, data []byte) error {
	if err := key.validate(); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStoreClosed
	}
	return writeAtomic(f.documentPath(key), data)
}

// Read returns the document bytes.
func (f *FileBackend) Read(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := key.validate(); err != nil {
		return nil, false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, false, ErrStoreClosed
	}
	return readIfExists(f.documentPath(key))
}

// WriteShared stores an envelope. Expiry is enforced by the Store on read.
func (f *FileBackend) WriteShared(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := validateComponent(id); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStoreClosed
	}
	return writeAtomic(f.sharedPath(id), data)
}

// ReadShared returns the envelope bytes.
func (f *FileBackend) ReadShared(ctx context.Context, id string) ([]byte, bool, error) {
	if err := validateComponent(id); err != nil {
		return nil, false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, false, ErrStoreClosed
	}
	return readIfExists(f.sharedPath(id))
}

// Close marks the backend closed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func readIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 - key components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Package storage is the binary/object storage boundary. The automation
// layer uses it to persist raw bot input and to fetch sandboxed bot source.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"carehooks/pkg/platform/sentinel"
)

// BinaryStorage reads and writes opaque blobs by key.
type BinaryStorage interface {
	WriteFile(ctx context.Context, key, contentType string, data []byte) error
	ReadFile(ctx context.Context, key string) ([]byte, error)
}

// MemoryStorage keeps blobs in memory for tests and development.
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStorage constructs an empty in-memory blob store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string][]byte)}
}

func (s *MemoryStorage) WriteFile(_ context.Context, key, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStorage) ReadFile(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.blobs[key]; ok {
		return append([]byte(nil), data...), nil
	}
	return nil, fmt.Errorf("blob %s: %w", key, sentinel.ErrNotFound)
}

// Keys returns all stored keys. For tests.
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		out = append(out, k)
	}
	return out
}

// FileStorage writes blobs under a root directory. Keys use forward slashes
// and must not escape the root.
type FileStorage struct {
	root string
}

// NewFileStorage constructs a filesystem-backed blob store rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{root: dir}
}

func (s *FileStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("blob key %q escapes storage root: %w", key, sentinel.ErrInvalidState)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileStorage) WriteFile(_ context.Context, key, _ string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

func (s *FileStorage) ReadFile(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

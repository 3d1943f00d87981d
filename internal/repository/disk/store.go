// Package disk implements domain.FileStore on the local filesystem. The
// pipeline uses three logically distinct areas: raw originals, processed
// images, and final export artifacts. The metadata store's path fields are
// the only authoritative pointers into them.
package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store is one storage area rooted at a directory.
type Store struct {
	root string
}

// Layout groups the three storage areas under a common data directory.
type Layout struct {
	Raw       *Store
	Processed *Store
	Final     *Store
}

// NewLayout creates (if needed) the raw/processed/final areas under dataDir.
func NewLayout(dataDir string) (*Layout, error) {
	l := &Layout{}
	for _, area := range []struct {
		name  string
		store **Store
	}{
		{"raw", &l.Raw},
		{"processed", &l.Processed},
		{"final", &l.Final},
	} {
		s, err := New(filepath.Join(dataDir, area.name))
		if err != nil {
			return nil, err
		}
		*area.store = s
	}
	return l, nil
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir %s: %w", dir, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the area's root directory.
func (s *Store) Root() string {
	return s.root
}

// Save writes data under the given key and returns the absolute path. The
// write goes through a temp file and rename so readers never observe a
// partially written image.
func (s *Store) Save(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := s.Path(key)
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return path, nil
}

// Get reads the bytes stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the file stored under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.Path(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a file is present under key.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Path returns the absolute path a key maps to.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, filepath.Base(key))
}

// Package local implements [blob.Store] on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MrWong99/callscribe/pkg/blob"
)

var _ blob.Store = (*Store)(nil)

// Store keeps objects as files below a base directory. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partially written object.
type Store struct {
	basePath string
}

// New creates the base directory if needed and returns a [Store] rooted there.
func New(basePath string) (*Store, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("local blob: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("local blob: create base directory: %w", err)
	}
	return &Store{basePath: abs}, nil
}

func (s *Store) path(key string) (string, error) {
	if err := blob.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// Exists implements [blob.Store].
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("local blob: stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Open implements [blob.Store].
func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("local blob: open %s: %w", key, err)
	}
	return f, nil
}

// Put implements [blob.Store].
func (s *Store) Put(_ context.Context, key string, r io.Reader) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("local blob: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("local blob: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("local blob: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local blob: close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("local blob: rename %s: %w", key, err)
	}
	return nil
}

// Remove implements [blob.Store].
func (s *Store) Remove(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local blob: remove %s: %w", key, err)
	}
	return nil
}

// Ping verifies the base directory is still accessible.
func (s *Store) Ping(context.Context) error {
	if _, err := os.Stat(s.basePath); err != nil {
		return fmt.Errorf("local blob: %w", err)
	}
	return nil
}

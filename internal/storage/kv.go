package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/spf13/afero"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
)

var ErrNoRecord = fmt.Errorf("%w: no record", domain.ErrNotFound)

// Store is a keyed JSON-document store on top of an afero filesystem. Keys
// are slash-separated logical paths; each key maps to one file under the
// root directory. The aggregation layers never touch the filesystem
// directly, so the backend stays swappable.
type Store struct {
	fs   afero.Fs
	root string
}

func NewStore(fs afero.Fs, root string) (*Store, error) {
	err := fs.MkdirAll(root, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Store{
		fs:   fs,
		root: root,
	}, nil
}

func (s *Store) path(key string) string {
	return path.Join(s.root, key+".json")
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record `%s`: %w", key, err)
	}

	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	target := s.path(key)

	err := s.fs.MkdirAll(path.Dir(target), 0755)
	if err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	err = afero.WriteFile(s.fs, target, value, 0644)
	if err != nil {
		return fmt.Errorf("failed to write record `%s`: %w", key, err)
	}

	slog.DebugContext(ctx, "wrote record", "key", key, "size", len(value))
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.fs.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete record `%s`: %w", key, err)
	}

	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return afero.Exists(s.fs, s.path(key))
}

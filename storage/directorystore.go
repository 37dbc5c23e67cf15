package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

/*
DirectoryStore is a storage provider that keeps each key as a file under a
local directory. Slashes in keys become subdirectories. Writes go to a
temporary file that is renamed into place, so a reader never observes a partial
value.
*/

////////////////////////////////////////////////////////////////////////////////

type DirectoryStore struct {
	root string
}

// NewDirectoryStore creates a new DirectoryStore, creating the root if needed.
func NewDirectoryStore(root string) (*DirectoryStore, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &DirectoryStore{root: root}, nil
}

func (d *DirectoryStore) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

// Put stores an object in the directory.
func (d *DirectoryStore) Put(_ context.Context, key string, r io.Reader) error {
	target := d.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write failure: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(f.Name(), target); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Get opens an object in the directory.
func (d *DirectoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes an object from the directory.
func (d *DirectoryStore) Delete(_ context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) { // For conformance to S3 API
			return nil
		}
		return fmt.Errorf("deletion failure: %w", err)
	}
	return nil
}

// List returns the keys under prefix. Temporary files from in-progress writes
// are skipped.
func (d *DirectoryStore) List(_ context.Context, prefix string) ([]string, error) {
	pattern := doublestar.EscapeMeta(prefix) + "**"
	matches, err := doublestar.Glob(os.DirFS(d.root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		if ok, _ := path.Match(".tmp-*", path.Base(m)); ok {
			continue
		}
		keys = append(keys, m)
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DirectoryStore) String() string {
	return fmt.Sprintf("directory(%s)", d.root)
}

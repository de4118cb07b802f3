package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists one file per source id under a directory,
// typically <state_dir>/checkpoints. Writes go through a temp file
// and rename, so a crash mid-write leaves the previous value intact.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store
// over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, sourceID string) (string, bool, error) {
	data, err := os.ReadFile(s.path(sourceID))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading checkpoint for %s: %w", sourceID, err)
	}
	return string(data), true, nil
}

// Put implements Store. The value lands via temp-file + fsync + rename
// so it is either fully visible or not visible after a crash.
func (s *FileStore) Put(_ context.Context, sourceID, value string) error {
	target := s.path(sourceID)

	tmp, err := os.CreateTemp(s.dir, ".ckpt-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint for %s: %w", sourceID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint for %s: %w", sourceID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint for %s: %w", sourceID, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replacing checkpoint for %s: %w", sourceID, err)
	}
	return nil
}

// Remove implements Store.
func (s *FileStore) Remove(_ context.Context, sourceID string) error {
	err := os.Remove(s.path(sourceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing checkpoint for %s: %w", sourceID, err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// path maps a source id to a file name, replacing separators so an id
// can never escape the checkpoint directory.
func (s *FileStore) path(sourceID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(sourceID)
	return filepath.Join(s.dir, safe)
}

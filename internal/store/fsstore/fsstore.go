// Package fsstore implements store.StateStore as one JSON file per key,
// written atomically via a temp-file-plus-rename so concurrent readers
// always observe either the old or the new document, never a partial write.
// Grounded on the teacher's kvstore.store idiom of one record per KV key,
// generalized from the Mattermost plugin KV API to plain files.
package fsstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Store is a filesystem-backed StateStore rooted at a base directory.
type Store struct {
	baseDir string

	// mu serializes writes to a given key's file; reads are lock-free aside
	// from the OS-level atomicity rename already provides.
	mu sync.Mutex
}

// New creates a filesystem store rooted at baseDir, creating it if absent.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create state store directory")
	}
	return &Store{baseDir: baseDir}, nil
}

// keyToPath sanitizes a logical key into a safe filename under baseDir.
// Keys may contain path separators (e.g. "workflows/<id>") to group
// documents into subdirectories.
func (s *Store) keyToPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return "", errors.Errorf("invalid state store key %q", key)
	}
	return filepath.Join(s.baseDir, clean+".json"), nil
}

func (s *Store) Load(_ context.Context, key string) (json.RawMessage, error) {
	path, err := s.keyToPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read state store key %q", key)
	}
	return json.RawMessage(data), nil
}

func (s *Store) Save(_ context.Context, key string, document any) error {
	path, err := s.keyToPath(key)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal state store document %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for key %q", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for key %q", key)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "failed to write temp file for key %q", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close temp file for key %q", key)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to atomically replace key %q", key)
	}
	return nil
}

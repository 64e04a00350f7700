package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/models"
)

// LocalStore keeps artifacts under a base directory on the local filesystem.
// Keys map directly to relative paths, so an artifact "abc/extraction.json"
// lives at "<base>/abc/extraction.json".
type LocalStore struct {
	base string
	log  *common.ContextLogger
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(base string) (*LocalStore, error) {
	if base == "" {
		return nil, fmt.Errorf("local store requires a base path")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{
		base: base,
		log:  common.NewContextLogger(common.Logger, map[string]interface{}{"store": "local", "base": base}),
	}, nil
}

// Kind reports the backend type.
func (s *LocalStore) Kind() models.StorageType {
	return models.StorageLocal
}

// Store writes the bytes under a fresh uuid-prefixed key. The write goes to
// a temp file first and is renamed into place, so readers never observe a
// partial artifact.
func (s *LocalStore) Store(ctx context.Context, data []byte, filename, contentType string) (StoredObject, error) {
	key := NewKey(filepath.Base(filename))
	full := filepath.Join(s.base, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return StoredObject{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return StoredObject{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return StoredObject{}, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return StoredObject{}, fmt.Errorf("failed to finalize artifact: %w", err)
	}

	return StoredObject{Kind: models.StorageLocal, Path: key}, nil
}

// Get reads the bytes under the key, or ErrNotFound.
func (s *LocalStore) Get(ctx context.Context, kind models.StorageType, path string) ([]byte, string, error) {
	if kind != models.StorageLocal {
		return nil, "", fmt.Errorf("local store cannot serve storage kind %q", kind)
	}
	if err := validateKey(path); err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(filepath.Join(s.base, filepath.FromSlash(path)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, contentTypeFor(path, ""), nil
}

// Delete removes the artifact and its uuid directory when empty. Missing
// files return false without an error.
func (s *LocalStore) Delete(ctx context.Context, kind models.StorageType, path string) bool {
	if kind != models.StorageLocal {
		return false
	}
	if err := validateKey(path); err != nil {
		return false
	}

	full := filepath.Join(s.base, filepath.FromSlash(path))
	if err := os.Remove(full); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).WithField("path", path).Warn("Failed to delete artifact")
		}
		return false
	}
	// Prune the uuid prefix directory; ignore failures, it may hold more files.
	os.Remove(filepath.Dir(full))
	return true
}

// validateKey rejects traversal outside the base directory.
func validateKey(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return fmt.Errorf("invalid artifact key %q", path)
	}
	return nil
}

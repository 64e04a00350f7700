// Package storage provides the artifact store of the HCC pipeline: opaque
// byte storage keyed by "<uuid>/<filename>" with pluggable backends. The
// local backend writes under a base directory; the s3 backend speaks to any
// S3-compatible endpoint (AWS, MinIO, GCS interoperability).
//
// Once Store returns, Get with the same {kind, path} returns byte-identical
// content. Content type is advisory; backends may infer it from the file
// extension when they do not preserve it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/google/uuid"

	"hcc.evalgo.org/config"
	"hcc.evalgo.org/models"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("artifact not found")

// StoredObject locates a stored blob.
type StoredObject struct {
	Kind models.StorageType `json:"kind"`
	Path string             `json:"path"`
}

// Store is the artifact store contract shared by all backends.
type Store interface {
	// Kind reports the backend this store writes to.
	Kind() models.StorageType

	// Store writes the bytes under a fresh "<uuid>/<filename>" key.
	Store(ctx context.Context, data []byte, filename, contentType string) (StoredObject, error)

	// Get returns the bytes and effective content type, or ErrNotFound.
	Get(ctx context.Context, kind models.StorageType, path string) ([]byte, string, error)

	// Delete removes the object. Missing objects are not an error: the
	// return value is false and nothing is raised. Backend failures are
	// logged and also reported as false.
	Delete(ctx context.Context, kind models.StorageType, path string) bool
}

// NewKey builds the canonical artifact key for a filename.
func NewKey(filename string) string {
	return uuid.NewString() + "/" + filename
}

// StoreJSON serializes the value with stable 2-space indentation and stores
// it with content type application/json.
func StoreJSON(ctx context.Context, s Store, value interface{}, filenameHint string) (StoredObject, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to serialize artifact: %w", err)
	}
	return s.Store(ctx, data, filenameHint, "application/json")
}

// NewStore builds the backend selected by the configuration.
func NewStore(cfg config.StorageConfig) (Store, error) {
	switch models.StorageType(cfg.Kind) {
	case models.StorageLocal:
		return NewLocalStore(cfg.BasePath)
	case models.StorageS3:
		return NewS3Store(cfg, models.StorageS3)
	case models.StorageGCS:
		// GCS is reached through its S3-compatible XML endpoint; only the
		// reported kind differs.
		return NewS3Store(cfg, models.StorageGCS)
	default:
		return nil, fmt.Errorf("unknown storage kind: %q", cfg.Kind)
	}
}

// contentTypeFor infers a content type from the filename extension,
// defaulting to application/octet-stream.
func contentTypeFor(path, stored string) string {
	if stored != "" {
		return stored
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

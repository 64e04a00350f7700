// Package watcher polls a drop directory and feeds new files into the
// pipeline: blob stored, registry row created, document.uploaded published.
// It is the headless counterpart of the gateway upload endpoint.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hcc.evalgo.org/archive"
	"hcc.evalgo.org/cache"
	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/storage"
)

// Watcher scans a directory on an interval. Files are picked up exactly
// once per process; the optional redis markers extend that across
// processes. The registry's storage uniqueness is the final guard.
type Watcher struct {
	cfg      config.WatcherConfig
	registry *registry.Registry
	store    storage.Store
	bus      queue.Publisher
	markers  *cache.Markers
	seen     map[string]struct{}
	log      *common.ContextLogger
}

// New builds the watcher.
func New(cfg config.WatcherConfig, reg *registry.Registry, store storage.Store, bus queue.Publisher, markers *cache.Markers) *Watcher {
	return &Watcher{
		cfg:      cfg,
		registry: reg,
		store:    store,
		bus:      bus,
		markers:  markers,
		seen:     make(map[string]struct{}),
		log:      common.NewContextLogger(common.Logger, map[string]interface{}{"component": "watcher", "directory": cfg.Directory}),
	}
}

// Run scans immediately and then on every interval tick until the context
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	w.log.WithField("interval", interval.String()).Info("Watcher started")
	if err := w.Scan(ctx); err != nil {
		w.log.WithError(err).Error("Scan failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				w.log.WithError(err).Error("Scan failed")
			}
		}
	}
}

// Scan walks the directory once and ingests every new matching file.
func (w *Watcher) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.Directory)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", w.cfg.Directory, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		bundle := strings.EqualFold(filepath.Ext(entry.Name()), ".zip")
		if !bundle && !w.matches(entry.Name()) {
			continue
		}

		path := filepath.Join(w.cfg.Directory, entry.Name())
		if _, ok := w.seen[path]; ok {
			continue
		}
		if !w.markers.MarkSeenPath(ctx, path) {
			// Another watcher instance claimed it.
			w.seen[path] = struct{}{}
			continue
		}

		var err error
		if bundle {
			err = w.ingestBundle(ctx, path)
		} else {
			err = w.ingestFile(ctx, path, entry.Name())
		}
		if err != nil {
			w.log.WithError(err).WithField("path", path).Error("Failed to ingest file")
			// Release the claim so the file is retried on a later scan,
			// here or in another instance.
			w.markers.ForgetPath(ctx, path)
			continue
		}
		w.seen[path] = struct{}{}
	}

	return nil
}

// ingestFile runs the upload flow for one file.
func (w *Watcher) ingestFile(ctx context.Context, path, filename string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return w.ingest(ctx, path, filename, data)
}

// ingestBundle expands a zip and ingests each note inside. When any entry
// fails the bundle is retried whole on a later scan; entries that already
// made it through are skipped by the registry conflict guard.
func (w *Watcher) ingestBundle(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	notes, err := archive.ExtractText(data, w.cfg.Extensions)
	if err != nil {
		return fmt.Errorf("failed to expand %s: %w", path, err)
	}

	w.log.WithField("path", path).WithField("entries", len(notes)).Info("Expanding bundle")
	var failed int
	for _, note := range notes {
		if err := w.ingest(ctx, path+"#"+note.Name, note.Name, note.Data); err != nil {
			w.log.WithError(err).WithField("entry", note.Name).Error("Failed to ingest bundle entry")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d bundle entries failed", failed, len(notes))
	}
	return nil
}

func (w *Watcher) ingest(ctx context.Context, path, filename string, data []byte) error {
	obj, err := w.store.Store(ctx, data, filename, "text/plain")
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}

	doc := models.NewDocument(filename, int64(len(data)), "text/plain", obj.Kind, obj.Path)
	if err := w.registry.Create(ctx, doc); err != nil {
		w.store.Delete(ctx, obj.Kind, obj.Path)
		if errors.Is(err, common.ErrConflict) {
			w.log.WithField("path", path).Info("File already registered, skipping")
			return nil
		}
		return err
	}

	event := models.DocumentUploadedMessage{
		Envelope:    models.NewEnvelope(models.MessageDocumentUploaded, doc.ID),
		StoragePath: doc.StoragePath,
		StorageType: doc.StorageType,
		ContentType: doc.ContentType,
	}
	if err := w.bus.Publish(models.RouteDocumentUploaded, event); err != nil {
		// Mirror the gateway rollback so the file is retried next scan.
		if derr := w.registry.Delete(ctx, doc.ID); derr != nil {
			w.log.WithError(derr).WithDocument(doc.ID).Error("Rollback failed to delete registry row")
		}
		w.store.Delete(ctx, doc.StorageType, doc.StoragePath)
		return fmt.Errorf("failed to publish document.uploaded: %w", err)
	}

	w.log.WithDocument(doc.ID).WithField("path", path).Info("File ingested")
	return nil
}

func (w *Watcher) matches(name string) bool {
	if len(w.cfg.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range w.cfg.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

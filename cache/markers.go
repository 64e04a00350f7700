// Package cache provides redis-backed idempotency markers. The watcher uses
// them to remember uploaded paths across restarts and the stage workers use
// them to tell first deliveries from broker re-deliveries.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
)

// DefaultTTL bounds how long a marker lives when the configuration does not
// say otherwise.
const DefaultTTL = 24 * time.Hour

// Markers wraps a redis client with set-once semantics. A nil *Markers is a
// valid no-op instance: every delivery counts as first, nothing is
// remembered. Components take the nil path when no redis address is
// configured.
type Markers struct {
	client *redis.Client
	ttl    time.Duration
	log    *common.ContextLogger
}

// NewMarkers connects to redis and verifies the connection. An empty address
// returns (nil, nil), the no-op instance.
func NewMarkers(ctx context.Context, cfg config.CacheConfig) (*Markers, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Markers{
		client: client,
		ttl:    ttl,
		log:    common.NewContextLogger(common.Logger, map[string]interface{}{"component": "cache"}),
	}, nil
}

// NewMarkersWithClient wraps an existing client, used by tests.
func NewMarkersWithClient(client *redis.Client, ttl time.Duration) *Markers {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Markers{
		client: client,
		ttl:    ttl,
		log:    common.NewContextLogger(common.Logger, map[string]interface{}{"component": "cache"}),
	}
}

// Close releases the redis connection.
func (m *Markers) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

// setOnce writes the key if absent. Redis errors degrade to "first": the
// pipeline keeps working without dedup rather than stalling.
func (m *Markers) setOnce(ctx context.Context, key string) bool {
	if m == nil || m.client == nil {
		return true
	}
	first, err := m.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), m.ttl).Result()
	if err != nil {
		m.log.WithError(err).WithField("key", key).Warn("Marker write failed, treating as first delivery")
		return true
	}
	return first
}

func stageKey(documentID, stage string) string {
	return fmt.Sprintf("hcc:delivery:%s:%s", documentID, stage)
}

func pathKey(path string) string {
	return fmt.Sprintf("hcc:watched:%s", path)
}

// FirstDelivery reports whether this is the first time the stage sees the
// document. Re-deliveries still get processed (handlers are idempotent);
// the result only drives logging and metadata.
func (m *Markers) FirstDelivery(ctx context.Context, documentID, stage string) bool {
	return m.setOnce(ctx, stageKey(documentID, stage))
}

// ForgetDeliveries drops the per-stage markers of a document so a reprocess
// run counts as first delivery again.
func (m *Markers) ForgetDeliveries(ctx context.Context, documentID string, stages ...string) {
	if m == nil || m.client == nil {
		return
	}
	keys := make([]string, 0, len(stages))
	for _, stage := range stages {
		keys = append(keys, stageKey(documentID, stage))
	}
	if len(keys) == 0 {
		return
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		m.log.WithError(err).WithField("document_id", documentID).Warn("Failed to clear delivery markers")
	}
}

// MarkSeenPath remembers a watched file path. Returns true when the path was
// not yet known.
func (m *Markers) MarkSeenPath(ctx context.Context, path string) bool {
	return m.setOnce(ctx, pathKey(path))
}

// ForgetPath drops a path marker so the watcher retries the file on its
// next scan.
func (m *Markers) ForgetPath(ctx context.Context, path string) {
	if m == nil || m.client == nil {
		return
	}
	if err := m.client.Del(ctx, pathKey(path)).Err(); err != nil {
		m.log.WithError(err).WithField("path", path).Warn("Failed to clear path marker")
	}
}

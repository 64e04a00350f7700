package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMarkers(t *testing.T) (*Markers, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	m := NewMarkersWithClient(client, time.Minute)
	t.Cleanup(func() { _ = m.Close() })
	return m, srv
}

func TestFirstDelivery(t *testing.T) {
	m, _ := testMarkers(t)
	ctx := context.Background()

	assert.True(t, m.FirstDelivery(ctx, "doc-1", "extractor"))
	assert.False(t, m.FirstDelivery(ctx, "doc-1", "extractor"))

	// Other stages and documents are independent.
	assert.True(t, m.FirstDelivery(ctx, "doc-1", "analyzer"))
	assert.True(t, m.FirstDelivery(ctx, "doc-2", "extractor"))
}

func TestForgetDeliveries(t *testing.T) {
	m, _ := testMarkers(t)
	ctx := context.Background()

	require.True(t, m.FirstDelivery(ctx, "doc-1", "extractor"))
	require.True(t, m.FirstDelivery(ctx, "doc-1", "analyzer"))

	m.ForgetDeliveries(ctx, "doc-1", "extractor", "analyzer")

	assert.True(t, m.FirstDelivery(ctx, "doc-1", "extractor"))
	assert.True(t, m.FirstDelivery(ctx, "doc-1", "analyzer"))
}

func TestMarkersExpire(t *testing.T) {
	m, srv := testMarkers(t)
	ctx := context.Background()

	require.True(t, m.FirstDelivery(ctx, "doc-1", "extractor"))
	srv.FastForward(2 * time.Minute)
	assert.True(t, m.FirstDelivery(ctx, "doc-1", "extractor"))
}

func TestMarkSeenPath(t *testing.T) {
	m, _ := testMarkers(t)
	ctx := context.Background()

	assert.True(t, m.MarkSeenPath(ctx, "/data/note-1.txt"))
	assert.False(t, m.MarkSeenPath(ctx, "/data/note-1.txt"))
	assert.True(t, m.MarkSeenPath(ctx, "/data/note-2.txt"))
}

func TestForgetPath(t *testing.T) {
	m, _ := testMarkers(t)
	ctx := context.Background()

	require.True(t, m.MarkSeenPath(ctx, "/data/note-1.txt"))
	m.ForgetPath(ctx, "/data/note-1.txt")
	assert.True(t, m.MarkSeenPath(ctx, "/data/note-1.txt"))
}

func TestNilMarkersAreNoOp(t *testing.T) {
	var m *Markers
	ctx := context.Background()

	assert.True(t, m.FirstDelivery(ctx, "doc-1", "extractor"))
	assert.True(t, m.FirstDelivery(ctx, "doc-1", "extractor"))
	assert.True(t, m.MarkSeenPath(ctx, "/data/note-1.txt"))
	m.ForgetDeliveries(ctx, "doc-1", "extractor")
	m.ForgetPath(ctx, "/data/note-1.txt")
	assert.NoError(t, m.Close())
}

func TestDegradedRedisCountsAsFirst(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	m := NewMarkersWithClient(client, time.Minute)
	srv.Close()

	assert.True(t, m.FirstDelivery(context.Background(), "doc-1", "extractor"))
}

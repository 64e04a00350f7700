package storage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcc.evalgo.org/models"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte("Assessment / Plan\n1. Type 2 diabetes mellitus - Stable")

	obj, err := store.Store(ctx, payload, "note.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, models.StorageLocal, obj.Kind)

	// Key format is "<uuid>/<filename>".
	parts := strings.SplitN(obj.Path, "/", 2)
	require.Len(t, parts, 2)
	_, err = uuid.Parse(parts[0])
	assert.NoError(t, err)
	assert.Equal(t, "note.txt", parts[1])

	data, contentType, err := store.Get(ctx, models.StorageLocal, obj.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Contains(t, contentType, "text/plain")
}

func TestLocalStoreGetMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), models.StorageLocal, "deadbeef/missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreGetWrongKind(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), models.StorageS3, "abc/x.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot serve storage kind")
}

func TestLocalStoreDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Store(ctx, []byte("x"), "doc.txt", "text/plain")
	require.NoError(t, err)

	assert.True(t, store.Delete(ctx, models.StorageLocal, obj.Path))
	// Second delete: missing is not an error, just false.
	assert.False(t, store.Delete(ctx, models.StorageLocal, obj.Path))

	_, _, err = store.Get(ctx, models.StorageLocal, obj.Path)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	tests := []string{"", "/etc/passwd", "../outside", "abc/../../x"}
	for _, key := range tests {
		_, _, err := store.Get(context.Background(), models.StorageLocal, key)
		assert.Error(t, err, "key %q should be rejected", key)
		assert.False(t, store.Delete(context.Background(), models.StorageLocal, key))
	}
}

func TestStoreJSONUsesStableIndentation(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	result := models.ExtractionResult{
		DocumentID: "c2a8f3de-7a44-4f6e-9f5c-0b1a2c3d4e5f",
		Conditions: []models.Condition{{ID: "cond-1", Name: "Type 2 diabetes mellitus", Confidence: 1.0}},
		Metadata:   models.JSONMap{"source": "extractor"},
	}

	obj, err := StoreJSON(ctx, store, result, "extraction.json")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(obj.Path, "/extraction.json"))

	data, contentType, err := store.Get(ctx, models.StorageLocal, obj.Path)
	require.NoError(t, err)
	assert.Contains(t, contentType, "application/json")

	// 2-space indentation.
	assert.Contains(t, string(data), "\n  \"document_id\"")

	var decoded models.ExtractionResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, result.DocumentID, decoded.DocumentID)
	require.Len(t, decoded.Conditions, 1)
	assert.Equal(t, "cond-1", decoded.Conditions[0].ID)
}

func TestS3StoreRoundTrip(t *testing.T) {
	client := NewMockS3Client()
	store := NewS3StoreWithClient(client, "hcc-artifacts", models.StorageS3)
	ctx := context.Background()

	obj, err := store.Store(ctx, []byte(`{"conditions": []}`), "analysis.json", "application/json")
	require.NoError(t, err)
	assert.Equal(t, models.StorageS3, obj.Kind)
	assert.True(t, client.PutObjectCalled)
	assert.Equal(t, "hcc-artifacts", client.LastBucket)

	data, contentType, err := store.Get(ctx, models.StorageS3, obj.Path)
	require.NoError(t, err)
	assert.Equal(t, `{"conditions": []}`, string(data))
	assert.Equal(t, "application/json", contentType)
}

func TestS3StoreGetMissing(t *testing.T) {
	store := NewS3StoreWithClient(NewMockS3Client(), "hcc-artifacts", models.StorageS3)

	_, _, err := store.Get(context.Background(), models.StorageS3, "nope/analysis.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3StoreDelete(t *testing.T) {
	client := NewMockS3Client()
	store := NewS3StoreWithClient(client, "hcc-artifacts", models.StorageS3)
	ctx := context.Background()

	obj, err := store.Store(ctx, []byte("bytes"), "note.txt", "text/plain")
	require.NoError(t, err)

	assert.True(t, store.Delete(ctx, models.StorageS3, obj.Path))
	assert.False(t, store.Delete(ctx, models.StorageS3, obj.Path))
}

func TestS3StoreServesConfiguredKindOnly(t *testing.T) {
	store := NewS3StoreWithClient(NewMockS3Client(), "hcc-artifacts", models.StorageGCS)

	_, _, err := store.Get(context.Background(), models.StorageS3, "abc/x.txt")
	require.Error(t, err)
	assert.False(t, store.Delete(context.Background(), models.StorageLocal, "abc/x.txt"))
	assert.Equal(t, models.StorageGCS, store.Kind())
}

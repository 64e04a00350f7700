package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"hcc.evalgo.org/db"
	hcchttp "hcc.evalgo.org/http"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/storage"
)

type harness struct {
	echo      *echo.Echo
	registry  *registry.Registry
	store     storage.Store
	publisher *queue.MockPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		registry:  registry.New(gdb),
		store:     store,
		publisher: &queue.MockPublisher{},
	}

	e := echo.New()
	e.HTTPErrorHandler = hcchttp.ErrorHandler
	New(h.registry, h.store, h.publisher, nil).Register(e)
	h.echo = e
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}

func multipartUpload(t *testing.T, filename, contentType, content string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

func (h *harness) seedDocument(t *testing.T, owner *string) *models.Document {
	t.Helper()
	ctx := context.Background()

	obj, err := h.store.Store(ctx, []byte("note body"), "note.txt", "text/plain")
	require.NoError(t, err)
	doc := models.NewDocument("note.txt", 9, "text/plain", obj.Kind, obj.Path)
	doc.OwnerID = owner
	require.NoError(t, h.registry.Create(ctx, doc))
	return doc
}

func TestUpload(t *testing.T) {
	h := newHarness(t)

	rec := h.do(multipartUpload(t, "note.txt", "text/plain", "Assessment / Plan\n1. Diabetes - stable"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var doc models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, "note.txt", doc.Filename)
	assert.Nil(t, doc.OwnerID)

	// The blob is retrievable under the returned key.
	data, contentType, err := h.store.Get(context.Background(), doc.StorageType, doc.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "Assessment / Plan\n1. Diabetes - stable", string(data))
	assert.Equal(t, "text/plain", contentType)

	// document.uploaded went out with the same coordinates.
	require.Len(t, h.publisher.Messages, 1)
	assert.Equal(t, models.RouteDocumentUploaded, h.publisher.Keys[0])
	event := h.publisher.Messages[0].(models.DocumentUploadedMessage)
	assert.Equal(t, doc.ID, event.DocumentID)
	assert.Equal(t, doc.StoragePath, event.StoragePath)
}

func TestUploadStampsOwner(t *testing.T) {
	h := newHarness(t)

	req := multipartUpload(t, "note.txt", "text/plain", "content")
	req.Header.Set("X-User-ID", "alice")
	rec := h.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var doc models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.NotNil(t, doc.OwnerID)
	assert.Equal(t, "alice", *doc.OwnerID)
}

func TestUploadRejectsContentType(t *testing.T) {
	h := newHarness(t)

	rec := h.do(multipartUpload(t, "scan.pdf", "application/pdf", "%PDF"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.publisher.Messages)
}

func TestUploadAcceptsOctetStreamTextFile(t *testing.T) {
	h := newHarness(t)

	rec := h.do(multipartUpload(t, "note.txt", "application/octet-stream", "content"))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestUploadMissingFileField(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("other", "value"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, h.do(req).Code)
}

func TestUploadPublishFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.publisher.PublishErr = errors.New("broker down")

	rec := h.do(multipartUpload(t, "note.txt", "text/plain", "content"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Neither the row nor the blob survives.
	_, total, err := h.registry.List(context.Background(), registry.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestGetAndOwnership(t *testing.T) {
	h := newHarness(t)
	owner := "alice"
	doc := h.seedDocument(t, &owner)

	// Anonymous callers cannot read owned documents.
	rec := h.do(httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The owner can.
	req := httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID, nil)
	req.Header.Set("X-User-ID", "alice")
	rec = h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var loaded models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	assert.Equal(t, doc.ID, loaded.ID)

	// So can a superuser.
	req = httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID, nil)
	req.Header.Set("X-User-ID", "root")
	req.Header.Set("X-User-Role", "admin")
	assert.Equal(t, http.StatusOK, h.do(req).Code)

	// Unknown ids are 404.
	rec = h.do(httptest.NewRequest(http.MethodGet, "/documents/b8e9f6f0-0000-0000-0000-000000000000", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListScopesAndPaginates(t *testing.T) {
	h := newHarness(t)
	alice, bob := "alice", "bob"
	h.seedDocument(t, &alice)
	h.seedDocument(t, &alice)
	h.seedDocument(t, &bob)

	req := httptest.NewRequest(http.MethodGet, "/documents?limit=1", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 2, page.Total, "bob's document is not visible")
	assert.Len(t, page.Documents, 1)

	// Superusers see everything.
	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("X-User-Role", "admin")
	rec = h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 3, page.Total)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/documents?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownload(t *testing.T) {
	h := newHarness(t)
	doc := h.seedDocument(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "note body", rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
}

func TestReprocess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.seedDocument(t, nil)

	// Walk the document to Completed with recorded results.
	for _, status := range []models.Status{
		models.StatusExtracting, models.StatusAnalyzing, models.StatusValidating, models.StatusCompleted,
	} {
		_, err := h.registry.UpdateStatus(ctx, doc.ID, status, nil)
		require.NoError(t, err)
	}
	total := 3
	path := "old/artifact.json"
	_, err := h.registry.UpdateResults(ctx, doc.ID, registry.ResultsUpdate{
		TotalConditions:      &total,
		ExtractionResultPath: &path,
	})
	require.NoError(t, err)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/reprocess", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reset models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	assert.Equal(t, models.StatusPending, reset.Status)
	assert.Nil(t, reset.TotalConditions)
	assert.Nil(t, reset.ExtractionResultPath)
	assert.False(t, reset.IsProcessed)

	// The re-emitted upload event carries the priority flag.
	require.Len(t, h.publisher.Messages, 1)
	assert.Equal(t, models.RouteDocumentUploaded, h.publisher.Keys[0])
	assert.Equal(t, uint8(1), h.publisher.Priorities[0])
	event := h.publisher.Messages[0].(models.DocumentUploadedMessage)
	assert.True(t, event.Priority)
	assert.Equal(t, doc.StoragePath, event.StoragePath)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.seedDocument(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodDelete, "/documents/"+doc.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := h.registry.Get(ctx, doc.ID)
	assert.Error(t, err)

	// The blob is gone too.
	_, _, err = h.store.Get(ctx, doc.StorageType, doc.StoragePath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedDocument(t, nil)
	doc := h.seedDocument(t, nil)
	_, err := h.registry.UpdateStatus(ctx, doc.ID, models.StatusExtracting, nil)
	require.NoError(t, err)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/documents/stats/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.ByStatus[models.StatusPending])
	assert.EqualValues(t, 1, stats.ByStatus[models.StatusExtracting])
}

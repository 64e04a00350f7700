// Package gateway implements the HTTP surface of the pipeline: document
// upload, listing, download, reprocess, delete, and status aggregates. The
// gateway is the only component that creates documents over HTTP; everything
// downstream is driven by the broker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"hcc.evalgo.org/api"
	"hcc.evalgo.org/cache"
	"hcc.evalgo.org/common"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/stage"
	"hcc.evalgo.org/storage"
)

// acceptedContentTypes lists the upload types the pipeline can process.
var acceptedContentTypes = map[string]bool{
	"text/plain":    true,
	"text/markdown": true,
}

// Gateway wires the HTTP handlers to the pipeline collaborators.
type Gateway struct {
	registry *registry.Registry
	store    storage.Store
	bus      queue.Publisher
	markers  *cache.Markers
	log      *common.ContextLogger
}

// New builds the gateway.
func New(reg *registry.Registry, store storage.Store, bus queue.Publisher, markers *cache.Markers) *Gateway {
	return &Gateway{
		registry: reg,
		store:    store,
		bus:      bus,
		markers:  markers,
		log:      common.NewContextLogger(common.Logger, map[string]interface{}{"component": "gateway"}),
	}
}

// Register mounts the document routes.
func (g *Gateway) Register(e *echo.Echo) {
	e.Use(api.IdentityMiddleware())

	e.POST("/documents", g.Upload)
	e.GET("/documents", g.List)
	e.GET("/documents/stats/summary", g.Stats)
	e.GET("/documents/:id", g.Get)
	e.GET("/documents/:id/download", g.Download)
	e.GET("/documents/:id/history", g.History)
	e.POST("/documents/:id/reprocess", g.Reprocess)
	e.DELETE("/documents/:id", g.Delete)
}

// Upload accepts a multipart file, stores the blob, registers the document,
// and publishes document.uploaded. A publish failure rolls back both the
// row and the blob and reports 503.
func (g *Gateway) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if !uploadable(contentType, fileHeader.Filename) {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unsupported content type %q", contentType))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	obj, err := g.store.Store(ctx, data, fileHeader.Filename, contentType)
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}

	doc := models.NewDocument(fileHeader.Filename, int64(len(data)), contentType, obj.Kind, obj.Path)
	doc.OwnerID = api.Caller(c).Owner()

	if err := g.registry.Create(ctx, doc); err != nil {
		g.store.Delete(ctx, obj.Kind, obj.Path)
		if errors.Is(err, common.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "document already registered")
		}
		return fmt.Errorf("failed to register document: %w", err)
	}

	event := models.DocumentUploadedMessage{
		Envelope:    models.NewEnvelope(models.MessageDocumentUploaded, doc.ID),
		StoragePath: doc.StoragePath,
		StorageType: doc.StorageType,
		ContentType: doc.ContentType,
	}
	if err := g.bus.Publish(models.RouteDocumentUploaded, event); err != nil {
		g.log.WithError(err).WithDocument(doc.ID).Error("Publish failed, rolling back upload")
		g.rollbackUpload(ctx, doc)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message bus unavailable")
	}

	g.log.WithDocument(doc.ID).WithField("filename", doc.Filename).Info("Document uploaded")
	return c.JSON(http.StatusCreated, doc)
}

// rollbackUpload undoes a half-finished upload: the row is deleted and the
// blob removed best-effort.
func (g *Gateway) rollbackUpload(ctx context.Context, doc *models.Document) {
	if err := g.registry.Delete(ctx, doc.ID); err != nil {
		g.log.WithError(err).WithDocument(doc.ID).Error("Rollback failed to delete registry row")
	}
	g.store.Delete(ctx, doc.StorageType, doc.StoragePath)
}

// listResponse is the List body.
type listResponse struct {
	Documents []models.Document `json:"documents"`
	Total     int64             `json:"total"`
	Skip      int               `json:"skip"`
	Limit     int               `json:"limit"`
}

// List returns a page of documents, owner-scoped unless the caller is a
// superuser.
func (g *Gateway) List(c echo.Context) error {
	ctx := c.Request().Context()
	caller := api.Caller(c)

	filter := registry.ListFilter{
		Skip:  queryInt(c, "skip", 0),
		Limit: queryInt(c, "limit", 100),
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := models.Status(strings.ToUpper(raw))
		if !status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
		}
		filter.Status = &status
	}
	if !caller.Superuser {
		filter.OwnerID = caller.Owner()
	}

	docs, total, err := g.registry.List(ctx, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listResponse{
		Documents: docs,
		Total:     total,
		Skip:      filter.Skip,
		Limit:     filter.Limit,
	})
}

// Get returns one document.
func (g *Gateway) Get(c echo.Context) error {
	doc, err := g.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

// Download streams the stored blob with its content type.
func (g *Gateway) Download(c echo.Context) error {
	doc, err := g.load(c)
	if err != nil {
		return err
	}

	data, contentType, err := g.store.Get(c.Request().Context(), doc.StorageType, doc.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document blob not found")
		}
		return fmt.Errorf("failed to load document blob: %w", err)
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// History returns the status transition log of a document.
func (g *Gateway) History(c echo.Context) error {
	doc, err := g.load(c)
	if err != nil {
		return err
	}

	history, err := g.registry.History(c.Request().Context(), doc.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

// Reprocess resets a document to Pending and re-emits document.uploaded
// with priority so it jumps ahead of fresh uploads.
func (g *Gateway) Reprocess(c echo.Context) error {
	ctx := c.Request().Context()
	doc, err := g.load(c)
	if err != nil {
		return err
	}

	reset, err := g.registry.Reprocess(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to reset document: %w", err)
	}

	g.markers.ForgetDeliveries(ctx, doc.ID,
		stage.NameExtractor, stage.NameAnalyzer, stage.NameValidator)

	event := models.DocumentUploadedMessage{
		Envelope:    models.NewEnvelope(models.MessageDocumentUploaded, doc.ID),
		StoragePath: doc.StoragePath,
		StorageType: doc.StorageType,
		ContentType: doc.ContentType,
		Priority:    true,
	}
	if err := g.bus.PublishWithPriority(models.RouteDocumentUploaded, event, 1); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message bus unavailable")
	}

	g.log.WithDocument(doc.ID).Info("Document queued for reprocessing")
	return c.JSON(http.StatusOK, reset)
}

// Delete removes the blob and every stage artifact best-effort, then the
// registry row.
func (g *Gateway) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	doc, err := g.load(c)
	if err != nil {
		return err
	}

	g.store.Delete(ctx, doc.StorageType, doc.StoragePath)
	for _, path := range []*string{doc.ExtractionResultPath, doc.AnalysisResultPath, doc.ValidationResultPath} {
		if path != nil {
			g.store.Delete(ctx, g.store.Kind(), *path)
		}
	}

	if err := g.registry.Delete(ctx, doc.ID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return err
	}

	g.log.WithDocument(doc.ID).Info("Document deleted")
	return c.NoContent(http.StatusNoContent)
}

// statsResponse is the Stats body.
type statsResponse struct {
	Total    int64                   `json:"total"`
	ByStatus map[models.Status]int64 `json:"by_status"`
}

// Stats aggregates document counts per status, owner-scoped unless the
// caller is a superuser.
func (g *Gateway) Stats(c echo.Context) error {
	caller := api.Caller(c)
	var ownerID *string
	if !caller.Superuser {
		ownerID = caller.Owner()
	}

	counts, err := g.registry.CountsByStatus(c.Request().Context(), ownerID)
	if err != nil {
		return err
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return c.JSON(http.StatusOK, statsResponse{Total: total, ByStatus: counts})
}

// load fetches the document of the :id parameter and checks ownership.
func (g *Gateway) load(c echo.Context) (*models.Document, error) {
	doc, err := g.registry.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return nil, err
	}
	if !api.Caller(c).MayAccess(doc) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "not the document owner")
	}
	return doc, nil
}

// uploadable accepts the known text types, and octet-stream uploads whose
// filename carries a known text extension (curl defaults to octet-stream).
func uploadable(contentType, filename string) bool {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))

	if acceptedContentTypes[base] {
		return true
	}
	if base == "" || base == "application/octet-stream" {
		ext := strings.ToLower(filename)
		return strings.HasSuffix(ext, ".txt") || strings.HasSuffix(ext, ".md")
	}
	return false
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// Package stage carries the plumbing shared by the three pipeline workers:
// payload decoding with drop semantics, artifact loading, and the common
// failure path (registry Failed plus a document.error event).
package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"hcc.evalgo.org/cache"
	"hcc.evalgo.org/common"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/storage"
)

// Stage names used in error events and delivery markers.
const (
	NameExtractor = "extractor"
	NameAnalyzer  = "analyzer"
	NameValidator = "validator"
)

// Deps bundles the collaborators every worker needs. Markers may be nil.
type Deps struct {
	Registry *registry.Registry
	Store    storage.Store
	Bus      queue.Publisher
	Markers  *cache.Markers
}

// DropError wraps errors that mean "this message is malformed, ack and
// forget". The consumer loop acks these without touching the registry.
type DropError struct {
	Reason string
}

func (e *DropError) Error() string { return e.Reason }

// Drop builds a DropError.
func Drop(format string, args ...interface{}) error {
	return &DropError{Reason: fmt.Sprintf(format, args...)}
}

// DecodePayload unmarshals the payload and validates its envelope against
// the expected message type. Any mismatch is a DropError.
func DecodePayload[T any](body []byte, expect models.MessageType) (*T, error) {
	env, err := models.PeekEnvelope(body)
	if err != nil {
		return nil, Drop("undecodable payload: %v", err)
	}
	if err := env.Validate(expect); err != nil {
		return nil, Drop("invalid envelope: %v", err)
	}

	var payload T
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, Drop("undecodable %s payload: %v", expect, err)
	}
	return &payload, nil
}

// LoadJSONArtifact reads and decodes a stage artifact from the store.
func LoadJSONArtifact(ctx context.Context, store storage.Store, kind models.StorageType, path string, v interface{}) error {
	data, _, err := store.Get(ctx, kind, path)
	if err != nil {
		return fmt.Errorf("failed to load artifact %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", path, err)
	}
	return nil
}

// Fail records a stage failure: the document moves to Failed with the error
// text and a document.error event goes out. Both writes are best-effort;
// the caller still acks the message since the failure is persisted, not
// requeued.
func Fail(ctx context.Context, deps Deps, log *common.ContextLogger, documentID, stageName string, cause error) {
	errText := cause.Error()
	if _, err := deps.Registry.UpdateStatus(ctx, documentID, models.StatusFailed, &errText); err != nil {
		log.WithError(err).WithField("document_id", documentID).Error("Failed to mark document as failed")
	}

	event := models.ErrorMessage{
		Envelope:     models.NewEnvelope(models.MessageError, documentID),
		ErrorType:    "processing_error",
		ErrorMessage: errText,
		Stage:        stageName,
	}
	if err := deps.Bus.Publish(models.RouteError, event); err != nil {
		log.WithError(err).WithField("document_id", documentID).Error("Failed to publish error event")
	}

	log.WithField("document_id", documentID).WithField("stage", stageName).
		WithError(cause).Error("Document processing failed")
}

// NoteDelivery logs whether the message is a broker re-delivery. Handlers
// process either way; re-deliveries overwrite and republish.
func NoteDelivery(ctx context.Context, deps Deps, log *common.ContextLogger, documentID, stageName string) {
	if deps.Markers.FirstDelivery(ctx, documentID, stageName) {
		return
	}
	log.WithField("document_id", documentID).WithField("stage", stageName).
		Info("Re-delivery detected, overwriting prior artifact")
}

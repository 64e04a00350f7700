// Package models holds the shared data model of the HCC pipeline: the
// Document registry row, the Condition shape carried through the stage
// artifacts, and the broker message payloads. All services exchange state
// exclusively through these types.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the processing state of a document. Stored uppercase in the
// registry, transitions are forward-only (see Registry.UpdateStatus).
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusExtracting Status = "EXTRACTING"
	StatusAnalyzing  Status = "ANALYZING"
	StatusValidating Status = "VALIDATING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// statusRank orders the forward pipeline. Failed is reachable from any
// non-terminal state and is not part of the rank order.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusExtracting: 1,
	StatusAnalyzing:  2,
	StatusValidating: 3,
	StatusCompleted:  4,
}

// Valid reports whether s is a known status variant.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Terminal reports whether no further pipeline transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the move from s to next is allowed:
// strictly forward along the pipeline, or to Failed from any non-terminal
// state. The administrative reset to Pending is handled by Reprocess, not
// here.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusFailed {
		return !s.Terminal()
	}
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	if !okFrom || !okTo {
		return false
	}
	return to == from+1
}

// StorageType identifies the blob backend a document lives on.
type StorageType string

const (
	StorageLocal StorageType = "local"
	StorageS3    StorageType = "s3"
	StorageGCS   StorageType = "gcs"
)

// JSONMap is an open key/value blob persisted as jsonb.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(data, m)
}

// Document is the registry row, the single source of truth for a document's
// processing state. Artifacts and broker messages are derived from it.
type Document struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	Filename    string `gorm:"not null" json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`

	StorageType StorageType `gorm:"index:idx_documents_storage,unique,composite:storage" json:"storage_type"`
	StoragePath string      `gorm:"index:idx_documents_storage,unique,composite:storage" json:"storage_path"`

	Status Status `gorm:"index;default:PENDING" json:"status"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at"`
	IsProcessed           bool       `json:"is_processed"`

	TotalConditions       *int `json:"total_conditions"`
	HCCRelevantConditions *int `json:"hcc_relevant_conditions"`
	CompliantConditions   *int `json:"compliant_conditions"`

	ExtractionResultPath *string `json:"extraction_result_path"`
	AnalysisResultPath   *string `json:"analysis_result_path"`
	ValidationResultPath *string `json:"validation_result_path"`

	Errors      *string `json:"errors"`
	PatientInfo JSONMap `gorm:"type:jsonb" json:"patient_info"`
	Metadata    JSONMap `gorm:"type:jsonb" json:"metadata"`

	OwnerID *string `gorm:"index" json:"owner_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDocument builds a Pending document with a fresh id.
func NewDocument(filename string, size int64, contentType string, kind StorageType, path string) *Document {
	return &Document{
		ID:          uuid.NewString(),
		Filename:    filename,
		FileSize:    size,
		ContentType: contentType,
		StorageType: kind,
		StoragePath: path,
		Status:      StatusPending,
	}
}

// OwnedBy reports whether userID may read or mutate the document. A document
// without an owner is open to everyone.
func (d *Document) OwnedBy(userID string, superuser bool) bool {
	if superuser || d.OwnerID == nil {
		return true
	}
	return *d.OwnerID == userID
}

package models

import "gorm.io/gorm"

// ProcessingLog records one status transition of a document. Rows are
// append-only; the registry writes one per transition so operators can
// reconstruct the pipeline history of a document.
type ProcessingLog struct {
	gorm.Model
	DocumentID string `gorm:"index;not null" json:"document_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `gorm:"not null" json:"to_status"`
	Stage      string `json:"stage,omitempty"`
	Detail     string `gorm:"type:text" json:"detail,omitempty"`
}

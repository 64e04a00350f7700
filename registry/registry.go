// Package registry is the durable per-document state store. It is the only
// component that mutates Document rows; stage workers, gateway, and watcher
// all go through it. Every mutation is a single transaction and transitions
// follow the forward-only status machine in models.
package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/models"
)

// Registry wraps the gorm handle with the document operations.
type Registry struct {
	db  *gorm.DB
	log *common.ContextLogger
}

// New builds a Registry on an open database handle.
func New(gdb *gorm.DB) *Registry {
	return &Registry{
		db:  gdb,
		log: common.NewContextLogger(common.Logger, map[string]interface{}{"component": "registry"}),
	}
}

// ListFilter narrows List results. Nil fields match everything.
type ListFilter struct {
	Status  *models.Status
	OwnerID *string
	Skip    int
	Limit   int
}

// ResultsUpdate is a partial update of the processing result columns. Nil
// fields are left untouched; Metadata merges shallowly, last writer wins
// per key.
type ResultsUpdate struct {
	TotalConditions       *int
	HCCRelevantConditions *int
	CompliantConditions   *int

	ExtractionResultPath *string
	AnalysisResultPath   *string
	ValidationResultPath *string

	PatientInfo models.JSONMap
	Metadata    models.JSONMap
}

// Create inserts a Pending document. A duplicate (storage_type, storage_path)
// pair reports ErrConflict.
func (r *Registry) Create(ctx context.Context, doc *models.Document) error {
	var existing int64
	err := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("storage_type = ? AND storage_path = ?", doc.StorageType, doc.StoragePath).
		Count(&existing).Error
	if err != nil {
		return fmt.Errorf("failed to check storage uniqueness: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("document at %s/%s already registered: %w", doc.StorageType, doc.StoragePath, common.ErrConflict)
	}

	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	r.log.WithField("document_id", doc.ID).Info("Document registered")
	return nil
}

// Get returns the document or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return &doc, nil
}

// List returns one page ordered by created_at descending plus the total
// match count.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]models.Document, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Document{})
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var docs []models.Document
	err := query.Order("created_at DESC").Offset(filter.Skip).Limit(limit).Find(&docs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, total, nil
}

// CountByStatus counts documents in one status, optionally per owner.
func (r *Registry) CountByStatus(ctx context.Context, status models.Status, ownerID *string) (int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Document{}).Where("status = ?", status)
	if ownerID != nil {
		query = query.Where("owner_id = ?", *ownerID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count documents by status: %w", err)
	}
	return count, nil
}

// CountsByStatus returns the per-status document counts, optionally per
// owner. Statuses without documents are absent from the map.
func (r *Registry) CountsByStatus(ctx context.Context, ownerID *string) (map[models.Status]int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Document{})
	if ownerID != nil {
		query = query.Where("owner_id = ?", *ownerID)
	}

	var rows []struct {
		Status models.Status
		N      int64
	}
	if err := query.Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate status counts: %w", err)
	}

	counts := make(map[models.Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

// UpdateStatus moves the document to next per the state machine. The first
// transition out of Pending stamps processing_started_at; entering Completed
// stamps processing_completed_at and is_processed; entering Failed stamps
// processing_completed_at and stores the error text.
func (r *Registry) UpdateStatus(ctx context.Context, id string, next models.Status, errText *string) (*models.Document, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", next, common.ErrInvalidTransition)
	}

	var updated *models.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
			}
			return fmt.Errorf("failed to load document %s: %w", id, err)
		}

		if !doc.Status.CanTransitionTo(next) {
			return fmt.Errorf("document %s cannot move %s -> %s: %w", id, doc.Status, next, common.ErrInvalidTransition)
		}

		updates := map[string]interface{}{"status": next}
		now := tx.NowFunc()
		if doc.Status == models.StatusPending && doc.ProcessingStartedAt == nil {
			updates["processing_started_at"] = now
		}
		switch next {
		case models.StatusCompleted:
			updates["processing_completed_at"] = now
			updates["is_processed"] = true
		case models.StatusFailed:
			updates["processing_completed_at"] = now
		}
		if errText != nil {
			updates["errors"] = *errText
		}

		// Guard on the previously read status so a racing transition
		// cannot be overwritten backwards.
		res := tx.Model(&models.Document{}).
			Where("id = ? AND status = ?", id, doc.Status).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update status of %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("document %s changed status concurrently: %w", id, common.ErrInvalidTransition)
		}

		logRow := models.ProcessingLog{
			DocumentID: id,
			FromStatus: string(doc.Status),
			ToStatus:   string(next),
		}
		if errText != nil {
			logRow.Detail = *errText
		}
		if err := tx.Create(&logRow).Error; err != nil {
			return fmt.Errorf("failed to append processing log for %s: %w", id, err)
		}

		var fresh models.Document
		if err := tx.First(&fresh, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to reload document %s: %w", id, err)
		}
		updated = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.WithFields(map[string]interface{}{"document_id": id, "status": next}).Info("Document status updated")
	return updated, nil
}

// UpdateResults applies a partial update of counters, result paths, patient
// info, and metadata.
func (r *Registry) UpdateResults(ctx context.Context, id string, update ResultsUpdate) (*models.Document, error) {
	var updated *models.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
			}
			return fmt.Errorf("failed to load document %s: %w", id, err)
		}

		updates := map[string]interface{}{}
		if update.TotalConditions != nil {
			updates["total_conditions"] = *update.TotalConditions
		}
		if update.HCCRelevantConditions != nil {
			updates["hcc_relevant_conditions"] = *update.HCCRelevantConditions
		}
		if update.CompliantConditions != nil {
			updates["compliant_conditions"] = *update.CompliantConditions
		}
		if update.ExtractionResultPath != nil {
			updates["extraction_result_path"] = *update.ExtractionResultPath
		}
		if update.AnalysisResultPath != nil {
			updates["analysis_result_path"] = *update.AnalysisResultPath
		}
		if update.ValidationResultPath != nil {
			updates["validation_result_path"] = *update.ValidationResultPath
		}
		if update.PatientInfo != nil {
			updates["patient_info"] = update.PatientInfo
		}
		if update.Metadata != nil {
			merged := models.JSONMap{}
			for k, v := range doc.Metadata {
				merged[k] = v
			}
			for k, v := range update.Metadata {
				merged[k] = v
			}
			updates["metadata"] = merged
		}
		if len(updates) == 0 {
			updated = &doc
			return nil
		}

		if err := tx.Model(&models.Document{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update results of %s: %w", id, err)
		}

		var fresh models.Document
		if err := tx.First(&fresh, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to reload document %s: %w", id, err)
		}
		updated = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reprocess resets the document to Pending for a fresh pipeline run. The
// three result paths and the three counters become null; errors are cleared.
func (r *Registry) Reprocess(ctx context.Context, id string) (*models.Document, error) {
	var updated *models.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.First(&doc, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
			}
			return fmt.Errorf("failed to load document %s: %w", id, err)
		}

		updates := map[string]interface{}{
			"status":                  models.StatusPending,
			"is_processed":            false,
			"processing_started_at":   nil,
			"processing_completed_at": nil,
			"total_conditions":        nil,
			"hcc_relevant_conditions": nil,
			"compliant_conditions":    nil,
			"extraction_result_path":  nil,
			"analysis_result_path":    nil,
			"validation_result_path":  nil,
			"errors":                  nil,
		}
		if err := tx.Model(&models.Document{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to reset document %s: %w", id, err)
		}

		logRow := models.ProcessingLog{
			DocumentID: id,
			FromStatus: string(doc.Status),
			ToStatus:   string(models.StatusPending),
			Detail:     "reprocess requested",
		}
		if err := tx.Create(&logRow).Error; err != nil {
			return fmt.Errorf("failed to append processing log for %s: %w", id, err)
		}

		var fresh models.Document
		if err := tx.First(&fresh, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to reload document %s: %w", id, err)
		}
		updated = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.WithField("document_id", id).Info("Document reset for reprocessing")
	return updated, nil
}

// Delete removes the registry row. Artifact cleanup is the caller's concern.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// History returns the processing log rows of a document, oldest first.
func (r *Registry) History(ctx context.Context, id string) ([]models.ProcessingLog, error) {
	var rows []models.ProcessingLog
	err := r.db.WithContext(ctx).Where("document_id = ?", id).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load processing log of %s: %w", id, err)
	}
	return rows, nil
}

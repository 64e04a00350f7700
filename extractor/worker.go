package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/streadway/amqp"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/llm"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/stage"
	"hcc.evalgo.org/storage"
)

// Worker consumes document.uploaded events and produces the extraction
// artifact plus the document.extraction.completed event.
type Worker struct {
	deps stage.Deps
	llm  llm.Client
	ref  *hccref.Reference
	log  *common.ContextLogger
}

// New builds the extractor worker.
func New(deps stage.Deps, client llm.Client, ref *hccref.Reference) *Worker {
	return &Worker{
		deps: deps,
		llm:  client,
		ref:  ref,
		log:  common.NewContextLogger(common.Logger, map[string]interface{}{"component": stage.NameExtractor}),
	}
}

// Handler adapts the worker to the consumer loop.
func (w *Worker) Handler() queue.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		return w.handle(ctx, d.Body)
	}
}

// handle runs the full stage for one delivery. Malformed messages and stage
// failures both return nil so the consumer acks; the failure is persisted
// in the registry, not the queue.
func (w *Worker) handle(ctx context.Context, body []byte) error {
	payload, err := stage.DecodePayload[models.DocumentUploadedMessage](body, models.MessageDocumentUploaded)
	if err != nil {
		w.log.WithError(err).Warn("Dropping message")
		return nil
	}

	documentID := payload.DocumentID
	log := w.log.WithDocument(documentID)
	stage.NoteDelivery(ctx, w.deps, w.log, documentID, stage.NameExtractor)

	if _, err := w.deps.Registry.UpdateStatus(ctx, documentID, models.StatusExtracting, nil); err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
			log.WithError(err).Warn("Dropping message for unknown document")
			return nil
		case errors.Is(err, common.ErrInvalidTransition):
			// Re-delivery after the document moved on; keep going so the
			// post-condition matches first delivery.
			log.WithError(err).Info("Document already past Extracting")
		default:
			return err
		}
	}

	content := payload.DocumentContent
	if content == "" {
		data, _, err := w.deps.Store.Get(ctx, payload.StorageType, payload.StoragePath)
		if err != nil {
			stage.Fail(ctx, w.deps, w.log, documentID, stage.NameExtractor, fmt.Errorf("failed to load document: %w", err))
			return nil
		}
		content = string(data)
	}

	result, patientInfo := w.Extract(ctx, documentID, filepath.Base(payload.StoragePath), content)

	if err := w.publishResult(ctx, documentID, result, patientInfo); err != nil {
		stage.Fail(ctx, w.deps, w.log, documentID, stage.NameExtractor, err)
		return nil
	}

	log.WithField("total_conditions", len(result.Conditions)).Info("Extraction completed")
	return nil
}

// Extract runs the extraction algorithm: clinical header parse, rule-based
// section scan, LLM assistance, merge, normalization, and HCC pre-tagging.
// LLM failure is not fatal; it is recorded in the artifact metadata.
func (w *Worker) Extract(ctx context.Context, documentID, source, content string) (models.ExtractionResult, models.PatientInfo) {
	patientInfo := ParsePatientInfo(content)

	section := ExtractAssessmentPlan(content)
	conditions := ExtractConditionsRuleBased(section)
	ruleBasedCount := len(conditions)

	var extractionErrors []string
	llmCount := 0

	llmConditions, err := w.llm.ExtractConditions(ctx, content)
	if err != nil {
		w.log.WithDocument(documentID).WithError(err).Warn("LLM extraction failed, continuing rule-based only")
		extractionErrors = append(extractionErrors, "llm_failed: "+err.Error())
	} else {
		conditions, llmCount = mergeConditions(conditions, llmConditions)
	}

	for i := range conditions {
		conditions[i].NormalizeCodes()
		conditions[i].SetMeta("is_hcc_relevant", w.ref.IsHCCRelevant(conditions[i].ICDCode))
	}

	metadata := models.JSONMap{
		"source":            source,
		"total_conditions":  len(conditions),
		"rule_based_count":  ruleBasedCount,
		"llm_based_count":   llmCount,
		"extraction_method": "hybrid",
	}
	if len(extractionErrors) > 0 {
		metadata["errors"] = extractionErrors
	}

	return models.ExtractionResult{
		DocumentID: documentID,
		Conditions: conditions,
		Metadata:   metadata,
	}, patientInfo
}

// mergeConditions folds the LLM output into the rule-based list. Matching
// happens by lower-cased name: hits annotate the rule-based condition,
// misses append as llm_only. Returns the merged list and the llm_only count.
func mergeConditions(ruleBased []models.Condition, fromLLM []models.Condition) ([]models.Condition, int) {
	byName := make(map[string]int, len(ruleBased))
	for i, c := range ruleBased {
		byName[strings.ToLower(c.Name)] = i
	}

	merged := ruleBased
	llmOnly := 0
	for i, c := range fromLLM {
		if c.Confidence == 0 {
			c.Confidence = 0.9
		}
		if idx, ok := byName[strings.ToLower(c.Name)]; ok {
			merged[idx].SetMeta("also_found_by_llm", true)
			merged[idx].SetMeta("llm_confidence", c.Confidence)
			continue
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("llm-cond-%d", i+1)
		}
		c.SetMeta("extraction_method", "llm_only")
		merged = append(merged, c)
		llmOnly++
	}

	return merged, llmOnly
}

// publishResult stores the artifact, updates the registry row, and emits
// document.extraction.completed.
func (w *Worker) publishResult(ctx context.Context, documentID string, result models.ExtractionResult, patientInfo models.PatientInfo) error {
	obj, err := storage.StoreJSON(ctx, w.deps.Store, result, documentID+"_extracted.json")
	if err != nil {
		return fmt.Errorf("failed to store extraction artifact: %w", err)
	}

	patientMap, err := toJSONMap(patientInfo)
	if err != nil {
		return err
	}

	total := len(result.Conditions)
	if _, err := w.deps.Registry.UpdateResults(ctx, documentID, registry.ResultsUpdate{
		TotalConditions:      &total,
		ExtractionResultPath: &obj.Path,
		PatientInfo:          patientMap,
		Metadata:             models.JSONMap{"extraction": result.Metadata},
	}); err != nil {
		return fmt.Errorf("failed to record extraction results: %w", err)
	}

	event := models.ExtractionCompletedMessage{
		Envelope:             models.NewEnvelope(models.MessageExtractionCompleted, documentID),
		ExtractionResultPath: obj.Path,
		TotalConditions:      total,
	}
	if err := w.deps.Bus.Publish(models.RouteExtractionCompleted, event); err != nil {
		return fmt.Errorf("failed to publish extraction.completed: %w", err)
	}
	return nil
}

func toJSONMap(v interface{}) (models.JSONMap, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patient info: %w", err)
	}
	var m models.JSONMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode patient info: %w", err)
	}
	return m, nil
}

// RunBatch processes every readable file in dir end to end: register, store
// the blob, extract inline, and emit the completion event so downstream
// stages continue over the broker. Files already registered are skipped.
func (w *Worker) RunBatch(ctx context.Context, dir string, extensions []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to scan input directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !matchesExtension(entry.Name(), extensions) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			w.log.WithError(err).WithField("path", path).Warn("Skipping unreadable file")
			continue
		}

		obj, err := w.deps.Store.Store(ctx, data, entry.Name(), "text/plain")
		if err != nil {
			w.log.WithError(err).WithField("path", path).Error("Failed to store document blob")
			continue
		}

		doc := models.NewDocument(entry.Name(), int64(len(data)), "text/plain", obj.Kind, obj.Path)
		if err := w.deps.Registry.Create(ctx, doc); err != nil {
			if errors.Is(err, common.ErrConflict) {
				w.log.WithField("path", path).Info("Document already registered, skipping")
				continue
			}
			return err
		}

		if _, err := w.deps.Registry.UpdateStatus(ctx, doc.ID, models.StatusExtracting, nil); err != nil {
			w.log.WithError(err).WithDocument(doc.ID).Error("Failed to mark document extracting")
			continue
		}

		result, patientInfo := w.Extract(ctx, doc.ID, entry.Name(), string(data))
		if err := w.publishResult(ctx, doc.ID, result, patientInfo); err != nil {
			stage.Fail(ctx, w.deps, w.log, doc.ID, stage.NameExtractor, err)
			continue
		}

		w.log.WithDocument(doc.ID).WithField("path", path).Info("Batch document extracted")
	}

	return nil
}

func matchesExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

package analyzer

import (
	"context"
	"errors"
	"fmt"

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

// Worker consumes document.extraction.completed events and produces the
// analysis artifact plus the document.analysis.completed event.
type Worker struct {
	deps stage.Deps
	llm  llm.Client
	ref  *hccref.Reference
	log  *common.ContextLogger
}

// New builds the analyzer worker.
func New(deps stage.Deps, client llm.Client, ref *hccref.Reference) *Worker {
	return &Worker{
		deps: deps,
		llm:  client,
		ref:  ref,
		log:  common.NewContextLogger(common.Logger, map[string]interface{}{"component": stage.NameAnalyzer}),
	}
}

// Handler adapts the worker to the consumer loop.
func (w *Worker) Handler() queue.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		return w.handle(ctx, d.Body)
	}
}

func (w *Worker) handle(ctx context.Context, body []byte) error {
	payload, err := stage.DecodePayload[models.ExtractionCompletedMessage](body, models.MessageExtractionCompleted)
	if err != nil {
		w.log.WithError(err).Warn("Dropping message")
		return nil
	}

	documentID := payload.DocumentID
	log := w.log.WithDocument(documentID)
	stage.NoteDelivery(ctx, w.deps, w.log, documentID, stage.NameAnalyzer)

	if _, err := w.deps.Registry.UpdateStatus(ctx, documentID, models.StatusAnalyzing, nil); err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
			log.WithError(err).Warn("Dropping message for unknown document")
			return nil
		case errors.Is(err, common.ErrInvalidTransition):
			log.WithError(err).Info("Document already past Analyzing")
		default:
			return err
		}
	}

	var extraction models.ExtractionResult
	if err := stage.LoadJSONArtifact(ctx, w.deps.Store, w.deps.Store.Kind(), payload.ExtractionResultPath, &extraction); err != nil {
		stage.Fail(ctx, w.deps, w.log, documentID, stage.NameAnalyzer, err)
		return nil
	}

	result := w.Analyze(ctx, documentID, extraction.Conditions)

	if err := w.publishResult(ctx, documentID, result); err != nil {
		stage.Fail(ctx, w.deps, w.log, documentID, stage.NameAnalyzer, err)
		return nil
	}

	log.WithField("hcc_relevant", result.Metadata["hcc_relevant_count"]).Info("Analysis completed")
	return nil
}

// publishResult stores the artifact, updates the registry row, and emits
// document.analysis.completed.
func (w *Worker) publishResult(ctx context.Context, documentID string, result models.AnalysisResult) error {
	obj, err := storage.StoreJSON(ctx, w.deps.Store, result, documentID+"_analyzed.json")
	if err != nil {
		return fmt.Errorf("failed to store analysis artifact: %w", err)
	}

	relevant := 0
	for _, c := range result.Conditions {
		if c.HCCRelevant {
			relevant++
		}
	}

	if _, err := w.deps.Registry.UpdateResults(ctx, documentID, registry.ResultsUpdate{
		HCCRelevantConditions: &relevant,
		AnalysisResultPath:    &obj.Path,
		Metadata:              models.JSONMap{"analysis": result.Metadata},
	}); err != nil {
		return fmt.Errorf("failed to record analysis results: %w", err)
	}

	event := models.AnalysisCompletedMessage{
		Envelope:              models.NewEnvelope(models.MessageAnalysisCompleted, documentID),
		AnalysisResultPath:    obj.Path,
		HCCRelevantConditions: relevant,
	}
	if err := w.deps.Bus.Publish(models.RouteAnalysisCompleted, event); err != nil {
		return fmt.Errorf("failed to publish analysis.completed: %w", err)
	}
	return nil
}

// RunBatch re-drives documents whose extraction finished but whose
// analysis event was lost: every Extracting document with a recorded
// extraction artifact is analyzed inline.
func (w *Worker) RunBatch(ctx context.Context) error {
	status := models.StatusExtracting
	docs, _, err := w.deps.Registry.List(ctx, registry.ListFilter{Status: &status})
	if err != nil {
		return fmt.Errorf("failed to list extracting documents: %w", err)
	}

	for _, doc := range docs {
		if doc.ExtractionResultPath == nil {
			continue
		}

		if _, err := w.deps.Registry.UpdateStatus(ctx, doc.ID, models.StatusAnalyzing, nil); err != nil {
			w.log.WithError(err).WithDocument(doc.ID).Error("Failed to mark document analyzing")
			continue
		}

		var extraction models.ExtractionResult
		if err := stage.LoadJSONArtifact(ctx, w.deps.Store, w.deps.Store.Kind(), *doc.ExtractionResultPath, &extraction); err != nil {
			stage.Fail(ctx, w.deps, w.log, doc.ID, stage.NameAnalyzer, err)
			continue
		}

		result := w.Analyze(ctx, doc.ID, extraction.Conditions)
		if err := w.publishResult(ctx, doc.ID, result); err != nil {
			stage.Fail(ctx, w.deps, w.log, doc.ID, stage.NameAnalyzer, err)
			continue
		}
		w.log.WithDocument(doc.ID).Info("Batch document analyzed")
	}

	return nil
}

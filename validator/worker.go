// Package validator implements the terminal pipeline stage: compliance
// validation of the analyzed conditions and the Completed transition.
package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/rules"
	"hcc.evalgo.org/stage"
	"hcc.evalgo.org/storage"
)

// Worker consumes document.analysis.completed events, applies the compliance
// rules, and moves the document to its terminal state.
type Worker struct {
	deps   stage.Deps
	engine *rules.Engine
	log    *common.ContextLogger
}

// New builds the validator worker around a configured rules engine.
func New(deps stage.Deps, engine *rules.Engine) *Worker {
	return &Worker{
		deps:   deps,
		engine: engine,
		log:    common.NewContextLogger(common.Logger, map[string]interface{}{"component": stage.NameValidator}),
	}
}

// Handler adapts the worker to the consumer loop.
func (w *Worker) Handler() queue.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		return w.handle(ctx, d.Body)
	}
}

func (w *Worker) handle(ctx context.Context, body []byte) error {
	payload, err := stage.DecodePayload[models.AnalysisCompletedMessage](body, models.MessageAnalysisCompleted)
	if err != nil {
		w.log.WithError(err).Warn("Dropping message")
		return nil
	}

	documentID := payload.DocumentID
	log := w.log.WithDocument(documentID)
	stage.NoteDelivery(ctx, w.deps, w.log, documentID, stage.NameValidator)

	if _, err := w.deps.Registry.UpdateStatus(ctx, documentID, models.StatusValidating, nil); err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
			log.WithError(err).Warn("Dropping message for unknown document")
			return nil
		case errors.Is(err, common.ErrInvalidTransition):
			log.WithError(err).Info("Document already past Validating")
		default:
			return err
		}
	}

	var analysis models.AnalysisResult
	if err := stage.LoadJSONArtifact(ctx, w.deps.Store, w.deps.Store.Kind(), payload.AnalysisResultPath, &analysis); err != nil {
		stage.Fail(ctx, w.deps, w.log, documentID, stage.NameValidator, err)
		return nil
	}

	report := w.Validate(documentID, analysis)

	if err := w.publishResult(ctx, documentID, report); err != nil {
		stage.Fail(ctx, w.deps, w.log, documentID, stage.NameValidator, err)
		return nil
	}

	log.WithField("compliant", report.Metadata["compliant_conditions"]).Info("Validation completed")
	return nil
}

// Validate applies every registered rule to every condition. A condition is
// compliant iff all rules pass.
func (w *Worker) Validate(documentID string, analysis models.AnalysisResult) models.ValidationReport {
	validated := make([]models.ValidatedCondition, 0, len(analysis.Conditions))
	compliant := 0

	for _, condition := range analysis.Conditions {
		results := w.engine.Evaluate(condition)

		passedAll := true
		for _, result := range results {
			if !result.Passed {
				passedAll = false
				break
			}
		}
		if passedAll {
			compliant++
		}

		validated = append(validated, models.ValidatedCondition{
			Condition:         condition,
			IsCompliant:       passedAll,
			ValidationResults: results,
		})
	}

	// Carry the analysis metadata forward and add the validation aggregates.
	metadata := models.JSONMap{}
	for key, value := range analysis.Metadata {
		metadata[key] = value
	}
	metadata["total_conditions"] = len(validated)
	metadata["compliant_conditions"] = compliant
	metadata["non_compliant_conditions"] = len(validated) - compliant

	return models.ValidationReport{
		DocumentID: documentID,
		Conditions: validated,
		Metadata:   metadata,
	}
}

// publishResult stores the report, records it on the registry row, performs
// the terminal Completed transition, and emits document.validation.completed.
func (w *Worker) publishResult(ctx context.Context, documentID string, report models.ValidationReport) error {
	obj, err := storage.StoreJSON(ctx, w.deps.Store, report, documentID+"_validated.json")
	if err != nil {
		return fmt.Errorf("failed to store validation artifact: %w", err)
	}

	compliant := 0
	for _, c := range report.Conditions {
		if c.IsCompliant {
			compliant++
		}
	}

	if _, err := w.deps.Registry.UpdateResults(ctx, documentID, registry.ResultsUpdate{
		CompliantConditions:  &compliant,
		ValidationResultPath: &obj.Path,
		Metadata:             models.JSONMap{"validation": report.Metadata},
	}); err != nil {
		return fmt.Errorf("failed to record validation results: %w", err)
	}

	if _, err := w.deps.Registry.UpdateStatus(ctx, documentID, models.StatusCompleted, nil); err != nil {
		// Replays reach this point with the document already Completed.
		if !errors.Is(err, common.ErrInvalidTransition) {
			return fmt.Errorf("failed to complete document: %w", err)
		}
		w.log.WithDocument(documentID).WithError(err).Info("Document already Completed")
	}

	event := models.ValidationCompletedMessage{
		Envelope:             models.NewEnvelope(models.MessageValidationCompleted, documentID),
		ValidationResultPath: obj.Path,
		CompliantConditions:  compliant,
		TotalConditions:      len(report.Conditions),
	}
	if err := w.deps.Bus.Publish(models.RouteValidationCompleted, event); err != nil {
		return fmt.Errorf("failed to publish validation.completed: %w", err)
	}
	return nil
}

// RunBatch re-drives documents whose analysis finished but whose validation
// event was lost: every Analyzing document with a recorded analysis artifact
// is validated inline.
func (w *Worker) RunBatch(ctx context.Context) error {
	status := models.StatusAnalyzing
	docs, _, err := w.deps.Registry.List(ctx, registry.ListFilter{Status: &status})
	if err != nil {
		return fmt.Errorf("failed to list analyzing documents: %w", err)
	}

	for _, doc := range docs {
		if doc.AnalysisResultPath == nil {
			continue
		}

		if _, err := w.deps.Registry.UpdateStatus(ctx, doc.ID, models.StatusValidating, nil); err != nil {
			w.log.WithError(err).WithDocument(doc.ID).Error("Failed to mark document validating")
			continue
		}

		var analysis models.AnalysisResult
		if err := stage.LoadJSONArtifact(ctx, w.deps.Store, w.deps.Store.Kind(), *doc.AnalysisResultPath, &analysis); err != nil {
			stage.Fail(ctx, w.deps, w.log, doc.ID, stage.NameValidator, err)
			continue
		}

		report := w.Validate(doc.ID, analysis)
		if err := w.publishResult(ctx, doc.ID, report); err != nil {
			stage.Fail(ctx, w.deps, w.log, doc.ID, stage.NameValidator, err)
			continue
		}
		w.log.WithDocument(doc.ID).Info("Batch document validated")
	}

	return nil
}

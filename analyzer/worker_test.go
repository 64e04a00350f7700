package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"hcc.evalgo.org/db"
	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/llm"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/stage"
	"hcc.evalgo.org/storage"
)

const referenceCSV = `ICD-10-CM Codes,Description,Tags
E11.9,Type 2 diabetes mellitus without complications,HCC19
N18.3,"Chronic kidney disease, stage 3",HCC138
I10,Essential (primary) hypertension,
`

type harness struct {
	registry  *registry.Registry
	store     storage.Store
	publisher *queue.MockPublisher
	llm       *llm.MockClient
	ref       *hccref.Reference
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

	csvPath := filepath.Join(t.TempDir(), "codes.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(referenceCSV), 0o644))
	ref, err := hccref.Load(csvPath, 0)
	require.NoError(t, err)

	return &harness{
		registry:  registry.New(gdb),
		store:     store,
		publisher: &queue.MockPublisher{},
		llm:       &llm.MockClient{},
		ref:       ref,
	}
}

func (h *harness) deps() stage.Deps {
	return stage.Deps{Registry: h.registry, Store: h.store, Bus: h.publisher}
}

// seedExtraction registers a document in Extracting state with a stored
// extraction artifact, and returns the message that would follow it.
func (h *harness) seedExtraction(t *testing.T, conditions []models.Condition) (*models.Document, []byte) {
	t.Helper()
	ctx := context.Background()

	doc := models.NewDocument("note.txt", 64, "text/plain", h.store.Kind(), "blob/note.txt")
	require.NoError(t, h.registry.Create(ctx, doc))
	_, err := h.registry.UpdateStatus(ctx, doc.ID, models.StatusExtracting, nil)
	require.NoError(t, err)

	artifact := models.ExtractionResult{DocumentID: doc.ID, Conditions: conditions}
	obj, err := storage.StoreJSON(ctx, h.store, artifact, doc.ID+"_extracted.json")
	require.NoError(t, err)

	msg := models.ExtractionCompletedMessage{
		Envelope:             models.NewEnvelope(models.MessageExtractionCompleted, doc.ID),
		ExtractionResultPath: obj.Path,
		TotalConditions:      len(conditions),
	}
	body, _ := json.Marshal(msg)
	return doc, body
}

func extractedConditions() []models.Condition {
	return []models.Condition{
		{ID: "cond-1", Name: "Type 2 diabetes mellitus", ICDCode: "E11.9", Confidence: 1.0},
		{ID: "cond-2", Name: "Gout", ICDCode: "M10.9", Confidence: 1.0},
	}
}

func TestAnalyzeRuleBasedDetermination(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)

	result := w.Analyze(context.Background(), "doc-1", extractedConditions())
	require.Len(t, result.Conditions, 2)

	hit := result.Conditions[0]
	assert.True(t, hit.HCCRelevant)
	assert.Equal(t, "E119", hit.HCCCode)
	assert.Equal(t, "HCC19", hit.HCCCategory)
	assert.InDelta(t, 1.0, hit.Confidence, 1e-9)
	assert.Equal(t, "Direct match with HCC-relevant code: E11.9", hit.Reasoning)

	miss := result.Conditions[1]
	assert.False(t, miss.HCCRelevant)
	assert.Empty(t, miss.HCCCode)
	assert.InDelta(t, 0.8, miss.Confidence, 1e-9)
	assert.Equal(t, "No exact match with HCC-relevant codes in reference data", miss.Reasoning)

	assert.Equal(t, 2, result.Metadata["total_conditions"])
	assert.Equal(t, 1, result.Metadata["hcc_relevant_count"])
	assert.Equal(t, 1, result.Metadata["high_confidence_count"])
	assert.InDelta(t, 0.9, result.Metadata["confidence_avg"].(float64), 1e-9)
	assert.Equal(t, 0, result.Metadata["error_count"])
}

func TestAnalyzeUncategorizedTag(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)

	result := w.Analyze(context.Background(), "doc-1", []models.Condition{
		{ID: "cond-1", Name: "Essential hypertension", ICDCode: "I10", Confidence: 1.0},
	})

	assert.True(t, result.Conditions[0].HCCRelevant)
	assert.Equal(t, hccref.Uncategorized, result.Conditions[0].HCCCategory)
}

func TestAnalyzeSkipsLLMWhenConfident(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)

	// Both conditions hit the reference, so confidence is 1.0 across the
	// board and the model is never consulted.
	w.Analyze(context.Background(), "doc-1", []models.Condition{
		{ID: "cond-1", ICDCode: "E11.9"},
		{ID: "cond-2", ICDCode: "N18.3"},
	})
	assert.False(t, h.llm.AnalyzeCalled)
}

func TestAnalyzeLLMEnrichment(t *testing.T) {
	h := newHarness(t)
	h.llm.AnalyzeResult = []models.Condition{
		{ID: "cond-2", HCCRelevant: true, HCCCode: "M109", HCCCategory: "HCC40", Confidence: 0.95, Reasoning: "Chronic gout maps to HCC40"},
		{ID: "cond-1", HCCRelevant: false, Confidence: 0.5, Reasoning: "Uncertain"},
	}
	w := New(h.deps(), h.llm, h.ref)

	result := w.Analyze(context.Background(), "doc-1", extractedConditions())
	require.True(t, h.llm.AnalyzeCalled)
	assert.LessOrEqual(t, len(h.llm.LastSample), llm.SampleLimit)

	// The low-confidence miss is overwritten by the more confident opinion.
	enriched := result.Conditions[1]
	assert.True(t, enriched.HCCRelevant)
	assert.Equal(t, "M109", enriched.HCCCode)
	assert.Equal(t, "HCC40", enriched.HCCCategory)
	assert.InDelta(t, 0.95, enriched.Confidence, 1e-9)
	assert.Equal(t, "Chronic gout maps to HCC40", enriched.Reasoning)
	assert.Equal(t, "llm", enriched.Metadata["analysis_source"])

	// The direct match outranks the opinion, which is kept as metadata.
	kept := result.Conditions[0]
	assert.True(t, kept.HCCRelevant)
	assert.InDelta(t, 1.0, kept.Confidence, 1e-9)
	assert.Equal(t, "rule_based", kept.Metadata["analysis_source"])
	assert.Equal(t, false, kept.Metadata["llm_hcc_relevant"])
	assert.Equal(t, 0.5, kept.Metadata["llm_confidence"])
	assert.Equal(t, "Uncertain", kept.Metadata["llm_reasoning"])
}

func TestAnalyzeLLMFailureKeepsRuleBased(t *testing.T) {
	h := newHarness(t)
	h.llm.AnalyzeErr = errors.New("quota exceeded")
	w := New(h.deps(), h.llm, h.ref)

	result := w.Analyze(context.Background(), "doc-1", extractedConditions())

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "LLM enrichment failed:")
	for _, c := range result.Conditions {
		assert.Equal(t, "rule_based", c.Metadata["analysis_source"])
	}
	assert.Equal(t, 1, result.Metadata["error_count"])
}

func TestAnalyzeEmptyInput(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)

	result := w.Analyze(context.Background(), "doc-1", nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, 0, result.Metadata["total_conditions"])
	assert.Equal(t, 0.0, result.Metadata["confidence_avg"])
	assert.False(t, h.llm.AnalyzeCalled)
}

func TestSanitizeResultReplacesNaN(t *testing.T) {
	result := models.AnalysisResult{
		Conditions: []models.Condition{
			{
				ID:         "cond-1",
				Confidence: math.NaN(),
				Metadata: models.JSONMap{
					"llm_confidence": math.NaN(),
					"nested":         map[string]interface{}{"score": math.NaN()},
					"scores":         []interface{}{1.0, math.NaN()},
					"label":          "NaN deficiency",
				},
			},
		},
		Metadata: models.JSONMap{"confidence_avg": math.NaN()},
	}

	sanitizeResult(&result)

	c := result.Conditions[0]
	assert.Zero(t, c.Confidence)
	assert.Nil(t, c.Metadata["llm_confidence"])
	assert.Nil(t, c.Metadata["nested"].(map[string]interface{})["score"])
	assert.Nil(t, c.Metadata["scores"].([]interface{})[1])
	assert.Equal(t, "NaN deficiency", c.Metadata["label"])
	assert.Nil(t, result.Metadata["confidence_avg"])

	// The artifact must serialize after sanitization.
	_, err := json.Marshal(result)
	assert.NoError(t, err)
}

func TestHandleExtractionCompleted(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)
	ctx := context.Background()

	doc, body := h.seedExtraction(t, extractedConditions())
	require.NoError(t, w.handle(ctx, body))

	loaded, err := h.registry.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, loaded.Status)
	require.NotNil(t, loaded.HCCRelevantConditions)
	assert.Equal(t, 1, *loaded.HCCRelevantConditions)
	require.NotNil(t, loaded.AnalysisResultPath)

	var result models.AnalysisResult
	require.NoError(t, stage.LoadJSONArtifact(ctx, h.store, h.store.Kind(), *loaded.AnalysisResultPath, &result))
	assert.Equal(t, doc.ID, result.DocumentID)
	require.Len(t, result.Conditions, 2)

	require.Len(t, h.publisher.Messages, 1)
	assert.Equal(t, models.RouteAnalysisCompleted, h.publisher.Keys[0])
	event := h.publisher.Messages[0].(models.AnalysisCompletedMessage)
	assert.Equal(t, doc.ID, event.DocumentID)
	assert.Equal(t, 1, event.HCCRelevantConditions)
	assert.Equal(t, *loaded.AnalysisResultPath, event.AnalysisResultPath)
}

func TestHandleMissingArtifactFailsDocument(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)
	ctx := context.Background()

	doc, _ := h.seedExtraction(t, extractedConditions())
	msg := models.ExtractionCompletedMessage{
		Envelope:             models.NewEnvelope(models.MessageExtractionCompleted, doc.ID),
		ExtractionResultPath: "deadbeef/gone.json",
	}
	body, _ := json.Marshal(msg)

	require.NoError(t, w.handle(ctx, body))

	loaded, err := h.registry.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, loaded.Status)

	require.Len(t, h.publisher.Messages, 1)
	assert.Equal(t, models.RouteError, h.publisher.Keys[0])
	errEvent := h.publisher.Messages[0].(models.ErrorMessage)
	assert.Equal(t, "analyzer", errEvent.Stage)
}

func TestHandleWrongMessageTypeIsDropped(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)

	doc, _ := h.seedExtraction(t, extractedConditions())
	msg := models.DocumentUploadedMessage{
		Envelope:    models.NewEnvelope(models.MessageDocumentUploaded, doc.ID),
		StoragePath: "x/y.txt",
		StorageType: models.StorageLocal,
	}
	body, _ := json.Marshal(msg)

	require.NoError(t, w.handle(context.Background(), body))
	assert.Empty(t, h.publisher.Messages)
}

func TestHandleRedeliveryAfterCompletion(t *testing.T) {
	h := newHarness(t)
	w := New(h.deps(), h.llm, h.ref)
	ctx := context.Background()

	doc, body := h.seedExtraction(t, extractedConditions())
	require.NoError(t, w.handle(ctx, body))

	// Walk the document to its terminal state, then replay the delivery.
	_, err := h.registry.UpdateStatus(ctx, doc.ID, models.StatusValidating, nil)
	require.NoError(t, err)
	_, err = h.registry.UpdateStatus(ctx, doc.ID, models.StatusCompleted, nil)
	require.NoError(t, err)

	require.NoError(t, w.handle(ctx, body))

	loaded, err := h.registry.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, loaded.Status, "replay never rewinds the state machine")
	require.NotNil(t, loaded.HCCRelevantConditions)
	assert.Equal(t, 1, *loaded.HCCRelevantConditions)

	// Both deliveries produced the completion event.
	require.Len(t, h.publisher.Messages, 2)
	first := h.publisher.Messages[0].(models.AnalysisCompletedMessage)
	second := h.publisher.Messages[1].(models.AnalysisCompletedMessage)
	assert.Equal(t, first.HCCRelevantConditions, second.HCCRelevantConditions)
}

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the wire discriminator of a broker payload. Note the
// values differ from the routing keys: completion events drop the
// "document." prefix on the wire.
type MessageType string

const (
	MessageDocumentUploaded    MessageType = "document.uploaded"
	MessageExtractionCompleted MessageType = "extraction.completed"
	MessageAnalysisCompleted   MessageType = "analysis.completed"
	MessageValidationCompleted MessageType = "validation.completed"
	MessageError               MessageType = "error"
)

// Routing keys on the hcc-extractor topic exchange.
const (
	Exchange = "hcc-extractor"

	RouteDocumentUploaded    = "document.uploaded"
	RouteExtractionCompleted = "document.extraction.completed"
	RouteAnalysisCompleted   = "document.analysis.completed"
	RouteValidationCompleted = "document.validation.completed"
	RouteError               = "document.error"
)

// Queue names, one per stage consumer.
const (
	QueueExtractor = "extractor-events"
	QueueAnalyzer  = "document-events"
	QueueValidator = "validator-events"
)

// Envelope carries the fields required on every payload.
type Envelope struct {
	MessageID   string      `json:"message_id"`
	Timestamp   int64       `json:"timestamp"`
	MessageType MessageType `json:"message_type"`
	DocumentID  string      `json:"document_id"`
}

// NewEnvelope stamps a fresh message id and the current unix time.
func NewEnvelope(mt MessageType, documentID string) Envelope {
	return Envelope{
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now().Unix(),
		MessageType: mt,
		DocumentID:  documentID,
	}
}

// Validate checks the required envelope fields, including that document_id
// is a well-formed UUID. Malformed envelopes are dropped by consumers.
func (e *Envelope) Validate(expect MessageType) error {
	if e.MessageType != expect {
		return fmt.Errorf("unexpected message_type %q, want %q", e.MessageType, expect)
	}
	if _, err := uuid.Parse(e.DocumentID); err != nil {
		return fmt.Errorf("invalid document_id %q: %w", e.DocumentID, err)
	}
	return nil
}

// DocumentUploadedMessage triggers the extractor. The publisher may embed
// the document text inline to spare the consumer an artifact-store read.
type DocumentUploadedMessage struct {
	Envelope
	StoragePath     string      `json:"storage_path"`
	StorageType     StorageType `json:"storage_type"`
	ContentType     string      `json:"content_type,omitempty"`
	DocumentContent string      `json:"document_content,omitempty"`
	Priority        bool        `json:"priority,omitempty"`
}

// ExtractionCompletedMessage triggers the analyzer.
type ExtractionCompletedMessage struct {
	Envelope
	ExtractionResultPath string `json:"extraction_result_path"`
	TotalConditions      int    `json:"total_conditions"`
}

// AnalysisCompletedMessage triggers the validator.
type AnalysisCompletedMessage struct {
	Envelope
	AnalysisResultPath    string `json:"analysis_result_path"`
	HCCRelevantConditions int    `json:"hcc_relevant_conditions"`
}

// ValidationCompletedMessage marks the pipeline terminal for a document.
type ValidationCompletedMessage struct {
	Envelope
	ValidationResultPath string `json:"validation_result_path"`
	CompliantConditions  int    `json:"compliant_conditions"`
	TotalConditions      int    `json:"total_conditions"`
}

// ErrorMessage is published on any stage failure alongside the Failed
// registry write.
type ErrorMessage struct {
	Envelope
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Stage        string `json:"stage"`
}

// PeekEnvelope decodes only the envelope fields of a raw payload, so a
// consumer can reject mismatched or malformed messages before full decode.
func PeekEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("undecodable payload: %w", err)
	}
	return env, nil
}

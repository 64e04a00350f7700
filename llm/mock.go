package llm

import (
	"context"

	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/models"
)

// MockClient is a scripted Client for tests. Responses and errors are set
// per call kind; calls are recorded for assertions.
type MockClient struct {
	ExtractResult []models.Condition
	ExtractErr    error
	AnalyzeResult []models.Condition
	AnalyzeErr    error

	ExtractCalled bool
	AnalyzeCalled bool
	LastText      string
	LastAnalyzed  []models.Condition
	LastSample    []hccref.Entry
}

func (m *MockClient) ExtractConditions(ctx context.Context, clinicalText string) ([]models.Condition, error) {
	m.ExtractCalled = true
	m.LastText = clinicalText
	if m.ExtractErr != nil {
		return nil, m.ExtractErr
	}
	return m.ExtractResult, nil
}

func (m *MockClient) AnalyzeHCCRelevance(ctx context.Context, conditions []models.Condition, sample []hccref.Entry) ([]models.Condition, error) {
	m.AnalyzeCalled = true
	m.LastAnalyzed = conditions
	m.LastSample = sample
	if m.AnalyzeErr != nil {
		return nil, m.AnalyzeErr
	}
	return m.AnalyzeResult, nil
}

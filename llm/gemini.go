package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/models"
)

// DefaultModel is used when the configuration does not name one.
const DefaultModel = "gemini-2.0-flash"

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *common.ContextLogger
}

// NewGeminiClient builds a client from the LLM configuration. When the
// configuration disables the oracle or carries no API key, a Disabled
// client is returned instead.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if cfg.Disabled || cfg.APIKey == "" {
		return Disabled{}, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &GeminiClient{
		client:  client,
		model:   model,
		timeout: cfg.Timeout,
		log:     common.NewContextLogger(common.Logger, map[string]interface{}{"component": "llm", "model": model}),
	}, nil
}

// generationConfig returns the fixed parameters both prompts run with.
func generationConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.1),
		TopP:            genai.Ptr[float32](0.95),
		TopK:            genai.Ptr[float32](40),
		MaxOutputTokens: 2048,
	}
}

// generate runs one prompt and returns the raw response text.
func (g *GeminiClient) generate(ctx context.Context, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	started := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, generationConfig())
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	g.log.WithField("duration_ms", time.Since(started).Milliseconds()).Debug("Gemini call completed")

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}

// ExtractConditions implements Client.
func (g *GeminiClient) ExtractConditions(ctx context.Context, clinicalText string) ([]models.Condition, error) {
	raw, err := g.generate(ctx, extractionPrompt(clinicalText))
	if err != nil {
		return nil, err
	}

	conditions, err := ParseConditions(raw)
	if err != nil {
		g.log.WithError(err).WithField("response_prefix", prefix(raw, 200)).Warn("Failed to parse extraction response")
		return nil, err
	}
	return conditions, nil
}

// AnalyzeHCCRelevance implements Client.
func (g *GeminiClient) AnalyzeHCCRelevance(ctx context.Context, conditions []models.Condition, sample []hccref.Entry) ([]models.Condition, error) {
	raw, err := g.generate(ctx, analysisPrompt(conditions, sample))
	if err != nil {
		return nil, err
	}

	analyzed, err := ParseConditions(raw)
	if err != nil {
		g.log.WithError(err).WithField("response_prefix", prefix(raw, 200)).Warn("Failed to parse analysis response")
		return nil, err
	}
	return analyzed, nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

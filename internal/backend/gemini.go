package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"oprime/internal/logging"
	"oprime/internal/types"
)

// =============================================================================
// GEMINI BACKEND
// =============================================================================

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-1.5-flash-latest"

// GeminiBackend implements Backend against the Gemini API.
type GeminiBackend struct {
	client *genai.Client
	model  string
}

// NewGeminiBackend creates a Gemini-backed Manager. The key is validated for
// presence only; a wrong key surfaces as a BackendAuth error on first call.
func NewGeminiBackend(apiKey, model string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, types.Errorf(types.ErrBackendAuth, "backend.New: Gemini API key is required")
	}
	if strings.Contains(apiKey, "YOUR_API_KEY") {
		return nil, types.Errorf(types.ErrBackendAuth, "backend.New: Gemini API key is a placeholder")
	}
	if model == "" {
		model = DefaultModel
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, types.NewEngineError(types.ErrBackendAuth, "backend.New",
			fmt.Errorf("creating Gemini client: %w", err))
	}

	logging.Backend("Gemini backend ready, model=%s", model)
	return &GeminiBackend{client: client, model: model}, nil
}

// Model returns the configured model name.
func (g *GeminiBackend) Model() string {
	return g.model
}

// Close releases the underlying client.
func (g *GeminiBackend) Close() error {
	return nil
}

// permissiveSafetySettings disables response blocking across all harm
// categories. Instructions about code frequently trip the default filters.
func permissiveSafetySettings() []*genai.SafetySetting {
	return []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
	}
}

// classifyAPIError maps transport failures onto the engine error taxonomy.
// 401/403 mean the key is bad; everything else is a call failure.
func classifyAPIError(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 401 || apiErr.Code == 403 {
			return types.NewEngineError(types.ErrBackendAuth, op, err)
		}
	}
	return types.NewEngineError(types.ErrBackendCall, op, err)
}

// NextStep sends the assembled prompt and parses the directive markers.
func (g *GeminiBackend) NextStep(ctx context.Context, req NextStepRequest) (Directive, error) {
	timer := logging.StartTimer(logging.CategoryBackend, "NextStep")
	defer timer.Stop()

	prompt := BuildNextStepPrompt(req)

	estimated := EstimateTokens(prompt)
	logging.Backend("NextStep: model=%s estimatedTokens=%d historyTurns=%d",
		g.model, estimated, len(req.History))
	if req.MaxContextTokens > 0 && estimated > req.MaxContextTokens*9/10 {
		logging.Get(logging.CategoryBackend).Warn(
			"Estimated prompt tokens (%d) close to or over max_context_tokens (%d)",
			estimated, req.MaxContextTokens)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SafetySettings: permissiveSafetySettings(),
	})
	if err != nil {
		logging.BackendError("NextStep call failed: %v", err)
		return Directive{}, classifyAPIError("backend.NextStep", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		logging.BackendError("NextStep blocked: %s", resp.PromptFeedback.BlockReason)
		return Directive{}, types.Errorf(types.ErrBackendCall, "backend.NextStep: content generation blocked: %s",
			resp.PromptFeedback.BlockReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Directive{}, types.Errorf(types.ErrBackendCall, "backend.NextStep: empty response from model %s", g.model)
	}

	directive := ParseResponse(text)
	logging.BackendDebug("NextStep directive: kind=%s len=%d", directive.Kind, len(directive.Content))
	return directive, nil
}

// Summarize folds new turns into the running summary. Errors are returned
// to the caller, which keeps the previous summary; summarization is never
// allowed to fail a task.
func (g *GeminiBackend) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	timer := logging.StartTimer(logging.CategoryBackend, "Summarize")
	defer timer.Stop()

	if len(req.Turns) == 0 {
		logging.BackendDebug("Summarize: no new turns, keeping existing summary")
		return req.ExistingSummary, nil
	}

	prompt := BuildSummarizePrompt(req)
	logging.Backend("Summarize: model=%s newTurns=%d maxTokens=%d", g.model, len(req.Turns), req.MaxTokens)

	config := &genai.GenerateContentConfig{
		SafetySettings: permissiveSafetySettings(),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		logging.BackendError("Summarize call failed: %v", err)
		return "", classifyAPIError("backend.Summarize", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", types.Errorf(types.ErrBackendCall, "backend.Summarize: summarization blocked: %s",
			resp.PromptFeedback.BlockReason)
	}

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", types.Errorf(types.ErrBackendCall, "backend.Summarize: empty summary from model %s", g.model)
	}

	logging.BackendDebug("Summarize: new summary length=%d", len(summary))
	return summary, nil
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaAdapter implements Adapter for a local or remote Ollama daemon.
type OllamaAdapter struct {
	baseAdapter
}

// OllamaOption is a functional option for configuring OllamaAdapter.
type OllamaOption func(*OllamaAdapter)

// WithOllamaHTTPClient replaces the HTTP client, mainly for tests.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(a *OllamaAdapter) {
		a.client = c
	}
}

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter(cfg *Config, opts ...OllamaOption) *OllamaAdapter {
	a := &OllamaAdapter{baseAdapter: newBaseAdapter(cfg, BackendOllama)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind returns BackendOllama.
func (a *OllamaAdapter) Kind() BackendKind {
	return BackendOllama
}

// ListModels queries /api/tags for installed models.
func (a *OllamaAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := withTimeout(ctx, a.config.DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &BackendError{Backend: BackendOllama, Op: "list models", Err: classifyTransportError(ctx, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		// A failing tags endpoint means the daemon is unhealthy, not that a model is missing.
		return nil, &BackendError{Backend: BackendOllama, Op: "list models",
			Err: fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, truncateBody(body))}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &BackendError{Backend: BackendOllama, Op: "list models",
			Err: fmt.Errorf("%w: decode tags: %v", ErrBackendUnavailable, err)}
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{
			ID:         m.Name,
			Backend:    BackendOllama,
			Family:     m.Details.Family,
			SizeBytes:  m.Size,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models, nil
}

// CheckAvailability reports whether modelID is installed on the daemon.
func (a *OllamaAdapter) CheckAvailability(ctx context.Context, modelID string) Availability {
	return checkModel(ctx, a, a.config.DiscoveryTimeout, modelID)
}

// Generate verifies modelID is installed, then calls /api/generate with
// streaming disabled.
func (a *OllamaAdapter) Generate(ctx context.Context, prompt, modelID string, opts Options) (*GenerationResult, error) {
	start := time.Now()

	models, err := a.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	model, ok := findModel(models, modelID)
	if !ok {
		return nil, &BackendError{Backend: BackendOllama, Op: "generate", Model: modelID, Err: ErrModelNotFound}
	}

	reqBody := ollamaGenerateRequest{
		Model:  model.ID,
		Prompt: prompt,
		Stream: false,
	}
	reqBody.Options.Temperature = opts.Temperature
	if reqBody.Options.Temperature == 0 {
		reqBody.Options.Temperature = a.config.Temperature
	}
	reqBody.Options.NumPredict = opts.MaxTokens
	if reqBody.Options.NumPredict == 0 {
		reqBody.Options.NumPredict = a.config.MaxTokens
	}
	reqBody.Options.NumCtx = opts.ContextWindow

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := withTimeout(ctx, a.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &BackendError{Backend: BackendOllama, Op: "generate", Model: modelID, Err: classifyTransportError(ctx, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &BackendError{Backend: BackendOllama, Op: "generate", Model: modelID, Err: classifyStatus(resp.StatusCode, bodyBytes)}
	}

	raw, err := readLimitedBody(resp.Body, MaxResponseSize)
	if err != nil {
		return nil, &BackendError{Backend: BackendOllama, Op: "generate", Model: modelID, Err: classifyTransportError(ctx, err)}
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &BackendError{Backend: BackendOllama, Op: "generate", Model: modelID,
			Err: fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, err)}
	}
	if out.Error != "" {
		return nil, &BackendError{Backend: BackendOllama, Op: "generate", Model: modelID,
			Err: fmt.Errorf("%w: %s", ErrBackendUnavailable, out.Error)}
	}

	result := &GenerationResult{
		Text:    out.Response,
		Model:   out.Model,
		Latency: time.Since(start),
	}
	if result.Model == "" {
		result.Model = model.ID
	}
	if out.PromptEvalCount > 0 || out.EvalCount > 0 {
		result.Usage = &TokenUsage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		}
	}
	return result, nil
}

// Ollama API types
type ollamaTagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
		Details    struct {
			Family string `json:"family"`
		} `json:"details"`
	} `json:"models"`
}

type ollamaGenerateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
		NumCtx      int     `json:"num_ctx,omitempty"`
	} `json:"options"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

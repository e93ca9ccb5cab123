package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HuggingFaceAdapter implements Adapter for a HuggingFace
// text-generation-inference server. One server hosts exactly one model,
// reported by its /info endpoint.
type HuggingFaceAdapter struct {
	baseAdapter
}

// HuggingFaceOption is a functional option for configuring HuggingFaceAdapter.
type HuggingFaceOption func(*HuggingFaceAdapter)

// WithHuggingFaceHTTPClient replaces the HTTP client, mainly for tests.
func WithHuggingFaceHTTPClient(c *http.Client) HuggingFaceOption {
	return func(a *HuggingFaceAdapter) {
		a.client = c
	}
}

// NewHuggingFaceAdapter creates a new HuggingFace TGI adapter.
func NewHuggingFaceAdapter(cfg *Config, opts ...HuggingFaceOption) *HuggingFaceAdapter {
	a := &HuggingFaceAdapter{baseAdapter: newBaseAdapter(cfg, BackendHuggingFace)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind returns BackendHuggingFace.
func (a *HuggingFaceAdapter) Kind() BackendKind {
	return BackendHuggingFace
}

func (a *HuggingFaceAdapter) setAuth(req *http.Request) {
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
}

// ListModels queries /info and returns the single hosted model.
func (a *HuggingFaceAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := withTimeout(ctx, a.config.DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.Endpoint+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.setAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "list models", Err: classifyTransportError(ctx, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "list models",
			Err: fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, truncateBody(body))}
	}

	var info tgiInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "list models",
			Err: fmt.Errorf("%w: decode info: %v", ErrBackendUnavailable, err)}
	}
	if info.ModelID == "" {
		return []ModelInfo{}, nil
	}
	return []ModelInfo{{
		ID:      info.ModelID,
		Backend: BackendHuggingFace,
		Family:  info.ModelDtype,
	}}, nil
}

// CheckAvailability reports whether the server hosts modelID.
func (a *HuggingFaceAdapter) CheckAvailability(ctx context.Context, modelID string) Availability {
	return checkModel(ctx, a, a.config.DiscoveryTimeout, modelID)
}

// Generate verifies the server hosts modelID, then calls /generate.
func (a *HuggingFaceAdapter) Generate(ctx context.Context, prompt, modelID string, opts Options) (*GenerationResult, error) {
	start := time.Now()

	models, err := a.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := findModel(models, modelID); !ok {
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "generate", Model: modelID, Err: ErrModelNotFound}
	}

	reqBody := tgiGenerateRequest{Inputs: prompt}
	reqBody.Parameters.MaxNewTokens = opts.MaxTokens
	if reqBody.Parameters.MaxNewTokens == 0 {
		reqBody.Parameters.MaxNewTokens = a.config.MaxTokens
	}
	reqBody.Parameters.Temperature = opts.Temperature
	if reqBody.Parameters.Temperature == 0 {
		reqBody.Parameters.Temperature = a.config.Temperature
	}
	reqBody.Parameters.Details = true

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := withTimeout(ctx, a.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.setAuth(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "generate", Model: modelID, Err: classifyTransportError(ctx, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "generate", Model: modelID, Err: classifyStatus(resp.StatusCode, bodyBytes)}
	}

	raw, err := readLimitedBody(resp.Body, MaxResponseSize)
	if err != nil {
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "generate", Model: modelID, Err: classifyTransportError(ctx, err)}
	}

	var out tgiGenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &BackendError{Backend: BackendHuggingFace, Op: "generate", Model: modelID,
			Err: fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, err)}
	}

	result := &GenerationResult{
		Text:    out.GeneratedText,
		Model:   modelID,
		Latency: time.Since(start),
	}
	if out.Details != nil {
		prompt := len(out.Details.Prefill)
		result.Usage = &TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: out.Details.GeneratedTokens,
			TotalTokens:      prompt + out.Details.GeneratedTokens,
		}
	}
	return result, nil
}

// TGI API types
type tgiInfoResponse struct {
	ModelID    string `json:"model_id"`
	ModelDtype string `json:"model_dtype"`
}

type tgiGenerateRequest struct {
	Inputs     string `json:"inputs"`
	Parameters struct {
		MaxNewTokens int     `json:"max_new_tokens,omitempty"`
		Temperature  float64 `json:"temperature,omitempty"`
		Details      bool    `json:"details"`
	} `json:"parameters"`
}

type tgiGenerateResponse struct {
	GeneratedText string `json:"generated_text"`
	Details       *struct {
		FinishReason    string `json:"finish_reason"`
		GeneratedTokens int    `json:"generated_tokens"`
		Prefill         []struct {
			ID   int    `json:"id"`
			Text string `json:"text"`
		} `json:"prefill"`
	} `json:"details,omitempty"`
}

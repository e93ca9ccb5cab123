// Package llm provides model-serving backend adapters for Loom.
// Supports Ollama (local daemon) and HuggingFace text-generation-inference
// endpoints behind one interface.
package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits a single generation response body (50MB)
	MaxResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// BackendKind identifies a model-serving provider family.
type BackendKind string

const (
	BackendOllama      BackendKind = "ollama"
	BackendHuggingFace BackendKind = "huggingface"
)

// Kinds lists every supported backend kind.
func Kinds() []BackendKind {
	return []BackendKind{BackendOllama, BackendHuggingFace}
}

// ParseBackendKind converts a string to a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(strings.ToLower(strings.TrimSpace(s))) {
	case BackendOllama:
		return BackendOllama, nil
	case BackendHuggingFace, "hf":
		return BackendHuggingFace, nil
	default:
		return "", fmt.Errorf("unknown backend kind %q (want ollama or huggingface)", s)
	}
}

// Adapter defines the uniform interface over a model-serving provider.
// Implementations hold no per-call state; every call goes to the provider.
type Adapter interface {
	// Kind returns the backend family this adapter talks to.
	Kind() BackendKind

	// ListModels returns the models the provider currently serves.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// CheckAvailability reports whether modelID can be used right now.
	// It never returns an error; failures are described in Availability.Reason.
	CheckAvailability(ctx context.Context, modelID string) Availability

	// Generate runs one blocking completion of prompt on modelID.
	Generate(ctx context.Context, prompt, modelID string, opts Options) (*GenerationResult, error)
}

// ModelInfo describes a model discovered on a backend.
type ModelInfo struct {
	ID         string      `json:"id"`
	Backend    BackendKind `json:"backend"`
	Family     string      `json:"family,omitempty"`
	SizeBytes  int64       `json:"size_bytes,omitempty"`
	ModifiedAt time.Time   `json:"modified_at,omitempty"`
}

// Availability is the outcome of a model availability probe.
type Availability struct {
	Available bool          `json:"available"`
	Reason    string        `json:"reason,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Options tunes a single generation call. Zero values use adapter defaults.
type Options struct {
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`
}

// TokenUsage reports token counts when the provider returns them.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult is the outcome of a successful Generate call.
type GenerationResult struct {
	Text    string        `json:"text"`
	Model   string        `json:"model"`
	Usage   *TokenUsage   `json:"usage,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Config contains configuration for a backend adapter.
type Config struct {
	// Kind identifies the backend family.
	Kind BackendKind

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication (HuggingFace only).
	APIKey string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout bounds one Generate call.
	Timeout time.Duration

	// DiscoveryTimeout bounds ListModels and CheckAvailability.
	DiscoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults for a backend kind.
func DefaultConfig(kind BackendKind) *Config {
	switch kind {
	case BackendOllama:
		return &Config{
			Kind:             BackendOllama,
			Endpoint:         "http://127.0.0.1:11434",
			MaxTokens:        2048,
			Temperature:      0.7,
			Timeout:          2 * time.Minute,
			DiscoveryTimeout: 5 * time.Second,
		}
	case BackendHuggingFace:
		return &Config{
			Kind:             BackendHuggingFace,
			Endpoint:         "http://127.0.0.1:8080",
			MaxTokens:        1024,
			Temperature:      0.7,
			Timeout:          2 * time.Minute,
			DiscoveryTimeout: 5 * time.Second,
		}
	default:
		return &Config{
			Kind:             kind,
			MaxTokens:        1024,
			Temperature:      0.7,
			Timeout:          2 * time.Minute,
			DiscoveryTimeout: 5 * time.Second,
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE ADAPTER (shared plumbing for HTTP-based backends)
// ═══════════════════════════════════════════════════════════════════════════════

// baseAdapter provides common functionality for HTTP-based adapters.
type baseAdapter struct {
	config *Config
	client *http.Client
}

// newBaseAdapter creates a base adapter with defaults applied to missing fields.
func newBaseAdapter(cfg *Config, kind BackendKind) baseAdapter {
	defaults := DefaultConfig(kind)
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	c.Kind = kind
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.MaxTokens == 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = defaults.Temperature
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = defaults.DiscoveryTimeout
	}

	return baseAdapter{
		config: &c,
		client: &http.Client{
			// No Client.Timeout: deadlines come from the request context so
			// that caller deadlines and adapter timeouts compose.
			Transport: &http.Transport{
				// Each call opens a fresh connection; nothing pooled can go stale.
				DisableKeepAlives:   true,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Config returns a copy of the adapter configuration.
func (b *baseAdapter) Config() Config {
	return *b.config
}

// withTimeout derives a context bounded by d unless the parent already has
// an earlier deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// checkModel is the shared CheckAvailability implementation: it lists the
// backend's models and looks for modelID.
func checkModel(ctx context.Context, a Adapter, timeout time.Duration, modelID string) Availability {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	result := Availability{CheckedAt: start}
	if strings.TrimSpace(modelID) == "" {
		result.Reason = "model id is empty"
		return result
	}

	models, err := a.ListModels(ctx)
	result.Latency = time.Since(start)
	if err != nil {
		result.Reason = fmt.Sprintf("%s backend unreachable: %v", a.Kind(), err)
		return result
	}
	if _, ok := findModel(models, modelID); !ok {
		result.Reason = fmt.Sprintf("model %q is not served by %s (%d models available)", modelID, a.Kind(), len(models))
		return result
	}
	result.Available = true
	return result
}

// findModel matches modelID against discovered models. A bare Ollama name
// matches its ":latest" tag.
func findModel(models []ModelInfo, modelID string) (ModelInfo, bool) {
	for _, m := range models {
		if m.ID == modelID {
			return m, true
		}
	}
	if !strings.Contains(modelID, ":") {
		for _, m := range models {
			if m.ID == modelID+":latest" {
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

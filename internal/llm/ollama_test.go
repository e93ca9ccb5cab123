package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOllamaServer fakes the two Ollama endpoints the adapter uses.
func newOllamaServer(t *testing.T, models []string, generate http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		var resp ollamaTagsResponse
		for _, m := range models {
			entry := struct {
				Name       string    `json:"name"`
				Size       int64     `json:"size"`
				ModifiedAt time.Time `json:"modified_at"`
				Details    struct {
					Family string `json:"family"`
				} `json:"details"`
			}{Name: m, Size: 1 << 30}
			entry.Details.Family = "llama"
			resp.Models = append(resp.Models, entry)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	if generate != nil {
		mux.HandleFunc("/api/generate", generate)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestOllamaListModels(t *testing.T) {
	server := newOllamaServer(t, []string{"llama3.2:3b", "qwen2.5-coder:14b"}, nil)
	adapter := NewOllamaAdapter(&Config{Endpoint: server.URL})

	models, err := adapter.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2:3b", models[0].ID)
	assert.Equal(t, BackendOllama, models[0].Backend)
	assert.Equal(t, "llama", models[0].Family)
}

func TestOllamaCheckAvailability(t *testing.T) {
	server := newOllamaServer(t, []string{"llama3:latest"}, nil)
	adapter := NewOllamaAdapter(&Config{Endpoint: server.URL})

	tests := []struct {
		name      string
		model     string
		available bool
	}{
		{"exact tag", "llama3:latest", true},
		{"bare name matches latest", "llama3", true},
		{"missing model", "mistral", false},
		{"empty id", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			av := adapter.CheckAvailability(context.Background(), tt.model)
			assert.Equal(t, tt.available, av.Available)
			if !tt.available {
				assert.NotEmpty(t, av.Reason)
			}
		})
	}
}

func TestOllamaCheckAvailability_UnreachableNeverErrors(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	adapter := NewOllamaAdapter(&Config{Endpoint: url, DiscoveryTimeout: time.Second})
	av := adapter.CheckAvailability(context.Background(), "llama3")

	assert.False(t, av.Available)
	assert.Contains(t, av.Reason, "unreachable")
}

func TestOllamaGenerate(t *testing.T) {
	var got ollamaGenerateRequest
	server := newOllamaServer(t, []string{"llama3.2:3b"}, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:           "llama3.2:3b",
			Response:        "hello there",
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       3,
		})
	})

	adapter := NewOllamaAdapter(&Config{Endpoint: server.URL, MaxTokens: 256})
	res, err := adapter.Generate(context.Background(), "say hi", "llama3.2:3b", Options{Temperature: 0.2})
	require.NoError(t, err)

	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, "llama3.2:3b", res.Model)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	assert.False(t, got.Stream)
	assert.Equal(t, "say hi", got.Prompt)
	assert.Equal(t, 256, got.Options.NumPredict)
	assert.InDelta(t, 0.2, got.Options.Temperature, 0.0001)
}

func TestOllamaGenerate_ModelNotFound(t *testing.T) {
	var generateCalls int32
	server := newOllamaServer(t, []string{"llama3.2:3b"}, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&generateCalls, 1)
	})

	adapter := NewOllamaAdapter(&Config{Endpoint: server.URL})
	_, err := adapter.Generate(context.Background(), "x", "does-not-exist", Options{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, atomic.LoadInt32(&generateCalls), "generate must not be called for an unknown model")

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "does-not-exist", be.Model)
}

func TestOllamaGenerate_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	adapter := NewOllamaAdapter(&Config{Endpoint: url})
	_, err := adapter.Generate(context.Background(), "x", "llama3", Options{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestOllamaGenerate_ServerError(t *testing.T) {
	server := newOllamaServer(t, []string{"llama3"}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	})

	adapter := NewOllamaAdapter(&Config{Endpoint: server.URL})
	_, err := adapter.Generate(context.Background(), "x", "llama3", Options{})

	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestOllamaGenerate_Timeout(t *testing.T) {
	server := newOllamaServer(t, []string{"llama3"}, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	adapter := NewOllamaAdapter(&Config{Endpoint: server.URL, Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := adapter.Generate(context.Background(), "x", "llama3", Options{})

	assert.ErrorIs(t, err, ErrGenerationTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOllamaGenerate_CallerDeadline(t *testing.T) {
	server := newOllamaServer(t, []string{"llama3"}, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	adapter := NewOllamaAdapter(&Config{Endpoint: server.URL, Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := adapter.Generate(ctx, "x", "llama3", Options{})

	assert.ErrorIs(t, err, ErrGenerationTimeout)
}

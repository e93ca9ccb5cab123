package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTGIServer(t *testing.T, modelID string, generate http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tgiInfoResponse{ModelID: modelID, ModelDtype: "torch.float16"})
	})
	if generate != nil {
		mux.HandleFunc("/generate", generate)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHuggingFaceListModels(t *testing.T) {
	server := newTGIServer(t, "bigcode/starcoder2-7b", nil)
	adapter := NewHuggingFaceAdapter(&Config{Endpoint: server.URL})

	models, err := adapter.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "bigcode/starcoder2-7b", models[0].ID)
	assert.Equal(t, BackendHuggingFace, models[0].Backend)
}

func TestHuggingFaceGenerate(t *testing.T) {
	var gotAuth string
	var got tgiGenerateRequest
	server := newTGIServer(t, "bigcode/starcoder2-7b", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"generated_text":"fn main() {}","details":{"finish_reason":"length","generated_tokens":5,"prefill":[{"id":1,"text":"a"},{"id":2,"text":"b"}]}}`))
	})

	adapter := NewHuggingFaceAdapter(&Config{Endpoint: server.URL, APIKey: "hf_secret", MaxTokens: 64})
	res, err := adapter.Generate(context.Background(), "write main", "bigcode/starcoder2-7b", Options{})
	require.NoError(t, err)

	assert.Equal(t, "fn main() {}", res.Text)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 2, res.Usage.PromptTokens)
	assert.Equal(t, 5, res.Usage.CompletionTokens)

	assert.Equal(t, "Bearer hf_secret", gotAuth)
	assert.Equal(t, "write main", got.Inputs)
	assert.Equal(t, 64, got.Parameters.MaxNewTokens)
}

func TestHuggingFaceGenerate_WrongModel(t *testing.T) {
	server := newTGIServer(t, "bigcode/starcoder2-7b", func(w http.ResponseWriter, r *http.Request) {
		t.Error("generate should not be called")
	})

	adapter := NewHuggingFaceAdapter(&Config{Endpoint: server.URL})
	_, err := adapter.Generate(context.Background(), "x", "meta-llama/Llama-3-8B", Options{})

	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestHuggingFaceCheckAvailability(t *testing.T) {
	server := newTGIServer(t, "bigcode/starcoder2-7b", nil)
	adapter := NewHuggingFaceAdapter(&Config{Endpoint: server.URL})

	assert.True(t, adapter.CheckAvailability(context.Background(), "bigcode/starcoder2-7b").Available)

	av := adapter.CheckAvailability(context.Background(), "other/model")
	assert.False(t, av.Available)
	assert.Contains(t, av.Reason, "not served")
}

func TestHuggingFaceGenerate_Overloaded(t *testing.T) {
	server := newTGIServer(t, "m", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Model is overloaded"}`, http.StatusTooManyRequests)
	})

	adapter := NewHuggingFaceAdapter(&Config{Endpoint: server.URL})
	_, err := adapter.Generate(context.Background(), "x", "m", Options{})

	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.True(t, IsRetryable(err))
}

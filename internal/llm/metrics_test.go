package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/loom/internal/config"
)

type fakeAdapter struct {
	err error
}

func (f *fakeAdapter) Kind() BackendKind { return BackendOllama }

func (f *fakeAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: "m", Backend: BackendOllama}}, f.err
}

func (f *fakeAdapter) CheckAvailability(ctx context.Context, modelID string) Availability {
	return Availability{Available: f.err == nil, Reason: fmt.Sprint(f.err)}
}

func (f *fakeAdapter) Generate(ctx context.Context, prompt, modelID string, opts Options) (*GenerationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &GenerationResult{Text: "ok", Model: modelID, Usage: &TokenUsage{TotalTokens: 7}}, nil
}

type recordedCall struct {
	backend, op, outcome string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) ObserveBackendCall(backend, op, outcome string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{backend, op, outcome})
}

func TestInstrumentedAdapter_CountsAndRecords(t *testing.T) {
	rec := &fakeRecorder{}
	inner := &fakeAdapter{}
	adapter := NewInstrumentedAdapter(inner, rec)

	_, err := adapter.Generate(context.Background(), "p", "m", Options{})
	require.NoError(t, err)

	inner.err = &BackendError{Backend: BackendOllama, Op: "generate", Err: ErrGenerationTimeout}
	_, err = adapter.Generate(context.Background(), "p", "m", Options{})
	require.ErrorIs(t, err, ErrGenerationTimeout)

	stats := adapter.Stats()
	assert.EqualValues(t, 2, stats.TotalCalls)
	assert.EqualValues(t, 1, stats.TotalErrors)
	assert.EqualValues(t, 7, stats.TotalTokens)
	assert.EqualValues(t, 2, stats.ModelMetrics["m"].Calls)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, recordedCall{"ollama", "generate", OutcomeOK}, rec.calls[0])
	assert.Equal(t, recordedCall{"ollama", "generate", OutcomeTimeout}, rec.calls[1])
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{fmt.Errorf("wrap: %w", ErrModelNotFound), OutcomeNotFound},
		{fmt.Errorf("wrap: %w", ErrBackendUnavailable), OutcomeUnavailable},
		{fmt.Errorf("wrap: %w", ErrGenerationTimeout), OutcomeTimeout},
		{fmt.Errorf("boom"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeOf(tt.err))
		})
	}
}

func TestAdaptersFromConfig(t *testing.T) {
	adapters, err := AdaptersFromConfig(config.Default(), nil)
	require.NoError(t, err)

	require.Contains(t, adapters, BackendOllama)
	require.Contains(t, adapters, BackendHuggingFace)

	inst, ok := adapters[BackendOllama].(*InstrumentedAdapter)
	require.True(t, ok)
	ollama, ok := inst.Unwrap().(*OllamaAdapter)
	require.True(t, ok)
	assert.Equal(t, 120*time.Second, ollama.Config().Timeout)
}

func TestParseBackendKind(t *testing.T) {
	k, err := ParseBackendKind("HF")
	require.NoError(t, err)
	assert.Equal(t, BackendHuggingFace, k)

	_, err = ParseBackendKind("openai")
	assert.Error(t, err)
}

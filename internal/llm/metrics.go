package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Recorder receives one observation per adapter call. internal/metrics
// provides the prometheus-backed implementation.
type Recorder interface {
	ObserveBackendCall(backend, op, outcome string, latency time.Duration)
}

// Outcome labels for Recorder observations.
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeNotFound    = "not_found"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

// OutcomeOf classifies err into an outcome label.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrModelNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrGenerationTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrBackendUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

// InstrumentedAdapter wraps an Adapter with timing, counters and logging.
type InstrumentedAdapter struct {
	adapter Adapter
	rec     Recorder

	// Atomic counters
	totalCalls  int64
	totalErrors int64
	totalTokens int64

	// Protected by mutex
	mu           sync.RWMutex
	totalLatency time.Duration
	modelStats   map[string]*ModelMetrics
}

// ModelMetrics tracks per-model generation performance.
type ModelMetrics struct {
	Calls        int64
	Errors       int64
	TotalLatency time.Duration
	Tokens       int64
}

// Stats is a snapshot of an InstrumentedAdapter's counters.
type Stats struct {
	Backend      BackendKind
	TotalCalls   int64
	TotalErrors  int64
	TotalTokens  int64
	AvgLatency   time.Duration
	ModelMetrics map[string]ModelMetrics
}

// NewInstrumentedAdapter wraps adapter. rec may be nil.
func NewInstrumentedAdapter(adapter Adapter, rec Recorder) *InstrumentedAdapter {
	return &InstrumentedAdapter{
		adapter:    adapter,
		rec:        rec,
		modelStats: make(map[string]*ModelMetrics),
	}
}

// Unwrap returns the underlying adapter.
func (m *InstrumentedAdapter) Unwrap() Adapter {
	return m.adapter
}

// Kind implements Adapter.
func (m *InstrumentedAdapter) Kind() BackendKind {
	return m.adapter.Kind()
}

// ListModels implements Adapter with metrics.
func (m *InstrumentedAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	start := time.Now()
	models, err := m.adapter.ListModels(ctx)
	m.observe("list_models", err, time.Since(start))
	return models, err
}

// CheckAvailability implements Adapter with metrics.
func (m *InstrumentedAdapter) CheckAvailability(ctx context.Context, modelID string) Availability {
	start := time.Now()
	av := m.adapter.CheckAvailability(ctx, modelID)
	outcome := OutcomeOK
	if !av.Available {
		outcome = OutcomeUnavailable
	}
	if m.rec != nil {
		m.rec.ObserveBackendCall(string(m.adapter.Kind()), "check_availability", outcome, time.Since(start))
	}
	if !av.Available {
		log.Debug().Str("backend", string(m.adapter.Kind())).Str("model", modelID).Str("reason", av.Reason).Msg("model unavailable")
	}
	return av
}

// Generate implements Adapter with metrics.
func (m *InstrumentedAdapter) Generate(ctx context.Context, prompt, modelID string, opts Options) (*GenerationResult, error) {
	start := time.Now()
	backend := string(m.adapter.Kind())

	log.Debug().Str("backend", backend).Str("model", modelID).Int("prompt_chars", len(prompt)).Msg("generate started")

	res, err := m.adapter.Generate(ctx, prompt, modelID, opts)
	latency := time.Since(start)

	atomic.AddInt64(&m.totalCalls, 1)
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
	}
	var tokens int64
	if res != nil && res.Usage != nil {
		tokens = int64(res.Usage.TotalTokens)
		atomic.AddInt64(&m.totalTokens, tokens)
	}

	m.mu.Lock()
	m.totalLatency += latency
	stats, ok := m.modelStats[modelID]
	if !ok {
		stats = &ModelMetrics{}
		m.modelStats[modelID] = stats
	}
	stats.Calls++
	stats.TotalLatency += latency
	stats.Tokens += tokens
	if err != nil {
		stats.Errors++
	}
	m.mu.Unlock()

	m.observe("generate", err, latency)

	if err != nil {
		log.Warn().Err(err).Str("backend", backend).Str("model", modelID).Dur("latency", latency).Msg("generate failed")
	} else {
		log.Info().Str("backend", backend).Str("model", modelID).Dur("latency", latency).Int64("tokens", tokens).Msg("generate completed")
	}
	return res, err
}

func (m *InstrumentedAdapter) observe(op string, err error, latency time.Duration) {
	if m.rec == nil {
		return
	}
	m.rec.ObserveBackendCall(string(m.adapter.Kind()), op, OutcomeOf(err), latency)
}

// Stats returns a snapshot of the collected counters.
func (m *InstrumentedAdapter) Stats() Stats {
	calls := atomic.LoadInt64(&m.totalCalls)

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Backend:      m.adapter.Kind(),
		TotalCalls:   calls,
		TotalErrors:  atomic.LoadInt64(&m.totalErrors),
		TotalTokens:  atomic.LoadInt64(&m.totalTokens),
		ModelMetrics: make(map[string]ModelMetrics, len(m.modelStats)),
	}
	if calls > 0 {
		s.AvgLatency = m.totalLatency / time.Duration(calls)
	}
	for id, ms := range m.modelStats {
		s.ModelMetrics[id] = *ms
	}
	return s
}

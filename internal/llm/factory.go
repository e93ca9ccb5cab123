package llm

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/normanking/loom/internal/config"
)

// NewAdapter creates an adapter for kind using cfg (nil means defaults).
func NewAdapter(kind BackendKind, cfg *Config) (Adapter, error) {
	switch kind {
	case BackendOllama:
		return NewOllamaAdapter(cfg), nil
	case BackendHuggingFace:
		return NewHuggingFaceAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", kind)
	}
}

// AdaptersFromConfig builds one adapter per configured backend. Every adapter
// is wrapped with InstrumentedAdapter reporting to rec (which may be nil).
func AdaptersFromConfig(cfg *config.Config, rec Recorder) (map[BackendKind]Adapter, error) {
	names := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make(map[BackendKind]Adapter, len(names))
	for _, name := range names {
		kind, err := ParseBackendKind(name)
		if err != nil {
			return nil, err
		}
		bc := cfg.Backends[name]

		apiKey := bc.APIKey
		if apiKey == "" {
			apiKey = getAPIKeyFromEnv(kind)
		}

		adapter, err := NewAdapter(kind, &Config{
			Kind:             kind,
			Endpoint:         bc.Endpoint,
			APIKey:           apiKey,
			MaxTokens:        bc.MaxTokens,
			Temperature:      bc.Temperature,
			Timeout:          time.Duration(bc.TimeoutSec) * time.Second,
			DiscoveryTimeout: time.Duration(bc.DiscoveryTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		adapters[kind] = NewInstrumentedAdapter(adapter, rec)
	}
	return adapters, nil
}

// getAPIKeyFromEnv retrieves the API key from standard environment variables.
func getAPIKeyFromEnv(kind BackendKind) string {
	switch kind {
	case BackendHuggingFace:
		if v := os.Getenv("HF_TOKEN"); v != "" {
			return v
		}
		return os.Getenv("HUGGINGFACE_API_KEY")
	default:
		return ""
	}
}

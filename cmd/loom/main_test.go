package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/orchestrator"
	"github.com/normanking/loom/internal/roles"
)

func TestPromptConfirm(t *testing.T) {
	tests := []struct {
		input    string
		accepted bool
		role     roles.Role
		wantErr  bool
	}{
		{input: "\n", accepted: true},
		{input: "y\n", accepted: true},
		{input: "YES\n", accepted: true},
		{input: "n\n", accepted: false},
		{input: "fast\n", accepted: true, role: roles.RoleFast},
		{input: "Reasoning", accepted: true, role: roles.RoleReasoning},
		{input: "", accepted: true},
		{input: "creative\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			accepted, role, err := promptConfirm(strings.NewReader(tt.input), &out)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.accepted, accepted)
			assert.Equal(t, tt.role, role)
			assert.Contains(t, out.String(), "[Y/n/reasoning/fast]")
		})
	}
}

func TestSplitParagraphs(t *testing.T) {
	text := "first line\nstill first\n\n\nsecond\r\n\r\n  \nthird\n"
	assert.Equal(t, []string{"first line\nstill first", "second", "third"}, splitParagraphs(text))
	assert.Empty(t, splitParagraphs("\n\n"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short text", truncate("short\n  text", 20))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestRenderers(t *testing.T) {
	setColorProfile(true)

	t.Run("failure", func(t *testing.T) {
		out := renderFailure(&orchestrator.Result{
			RequestID: "req-1",
			Error: &orchestrator.OrchestrationError{
				Code:      orchestrator.CodeModelNotFound,
				Message:   "model qwen not found",
				Hint:      "switch role reasoning to an installed model",
				Retryable: false,
			},
		})
		assert.Contains(t, out, "model_not_found")
		assert.Contains(t, out, "hint: switch role reasoning")
		assert.Contains(t, out, "request: req-1")
		assert.NotContains(t, out, "transient")
	})

	t.Run("roles", func(t *testing.T) {
		out := renderRoles(map[roles.Role]roles.ModelDescriptor{
			roles.RoleFast: {Role: roles.RoleFast, Backend: llm.BackendOllama, ModelID: "llama3.2:3b"},
		})
		assert.Contains(t, out, "reasoning")
		assert.Contains(t, out, "unassigned")
		assert.Contains(t, out, "ollama/llama3.2:3b")
	})

	t.Run("provenance", func(t *testing.T) {
		out := renderProvenance(&orchestrator.Result{
			AgentMode:   "CODER",
			RoutingMode: orchestrator.RoutingManual,
			Role:        roles.RoleFast,
			Model:       roles.ModelDescriptor{Backend: llm.BackendOllama, ModelID: "small", DisplayName: "Small"},
			Attempts:    2,
			Usage:       &llm.TokenUsage{TotalTokens: 42},
		})
		assert.Contains(t, out, "Small (fast)")
		assert.Contains(t, out, "CODER · manual routing")
		assert.Contains(t, out, "2 attempt(s), 42 tokens")
	})
}

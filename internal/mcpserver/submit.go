package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/normanking/loom/internal/assembler"
	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/orchestrator"
	"github.com/normanking/loom/internal/roles"
)

// SubmitTool handles the loom_submit MCP tool.
type SubmitTool struct {
	orch    Submitter
	history *historyStore
}

// NewSubmitTool creates a SubmitTool.
func NewSubmitTool(orch Submitter, history *historyStore) *SubmitTool {
	return &SubmitTool{orch: orch, history: history}
}

// Definition returns the MCP tool definition for registration.
func (t *SubmitTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_submit",
		mcp.WithDescription(
			"Ask a question. Loom picks a model (or uses the one you name), builds a prompt from "+
				"the agent mode's instructions, the project's roadmap and decisions, documentation "+
				"passages and this session's earlier turns, and returns the answer with provenance. "+
				"With routing_mode=assisted nothing is generated: you get a suggested role and a "+
				"token for loom_confirm.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question or instruction."),
		),
		mcp.WithString("agent_mode",
			mcp.Description("Agent mode: GENERAL (default), CODER, FAUST, JUCE, DOCS, or a user-defined mode."),
		),
		mcp.WithString("routing_mode",
			mcp.Description("auto (default), manual, or assisted."),
		),
		mcp.WithString("role",
			mcp.Description("Manual routing: reasoning or fast."),
		),
		mcp.WithString("model_id",
			mcp.Description("Manual routing: explicit model id, bypassing role assignments. Requires backend."),
		),
		mcp.WithString("backend",
			mcp.Description("Backend for model_id: ollama or huggingface."),
		),
		mcp.WithString("project_id",
			mcp.Description("Project whose roadmap and decisions are included."),
		),
		mcp.WithString("session_id",
			mcp.Description("Session id. Requests in one session run in order and share history."),
		),
	)
}

// Handle processes the loom_submit tool call.
func (t *SubmitTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}

	sr := orchestrator.SubmitRequest{
		ProjectID:   strings.TrimSpace(req.GetString("project_id", "")),
		SessionID:   strings.TrimSpace(req.GetString("session_id", "")),
		AgentMode:   req.GetString("agent_mode", ""),
		RoutingMode: orchestrator.RoutingMode(req.GetString("routing_mode", "")),
		Role:        roles.Role(req.GetString("role", "")),
		ModelID:     strings.TrimSpace(req.GetString("model_id", "")),
		Backend:     llm.BackendKind(req.GetString("backend", "")),
		Query:       query,
	}
	sr.History = t.history.get(sr.SessionID)

	res, err := t.orch.Submit(ctx, sr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err)), nil
	}
	return resultToTool(res, t.history, query), nil
}

// ConfirmTool handles the loom_confirm MCP tool.
type ConfirmTool struct {
	orch    Submitter
	history *historyStore
}

// NewConfirmTool creates a ConfirmTool.
func NewConfirmTool(orch Submitter, history *historyStore) *ConfirmTool {
	return &ConfirmTool{orch: orch, history: history}
}

// Definition returns the MCP tool definition for registration.
func (t *ConfirmTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_confirm",
		mcp.WithDescription(
			"Accept an assisted-routing suggestion from loom_submit and generate the answer. "+
				"Pass role to override the suggested role.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("suggestion_token returned by loom_submit."),
		),
		mcp.WithString("role",
			mcp.Description("Optional override: reasoning or fast."),
		),
	)
}

// Handle processes the loom_confirm tool call.
func (t *ConfirmTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := strings.TrimSpace(req.GetString("token", ""))
	if token == "" {
		return mcp.NewToolResultError("'token' is required"), nil
	}

	res, err := t.orch.Confirm(ctx, token, roles.Role(req.GetString("role", "")))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot confirm: %v", err)), nil
	}
	query := ""
	if res.Context != nil {
		query = res.Context.Layer(assembler.LayerQuestion).Content
	}
	return resultToTool(res, t.history, query), nil
}

// resultToTool renders res and records completed exchanges in history.
func resultToTool(res *orchestrator.Result, history *historyStore, query string) *mcp.CallToolResult {
	if res.Error != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s\n", res.Error.Code, res.Error.Message)
		if res.Error.Hint != "" {
			fmt.Fprintf(&b, "Hint: %s\n", res.Error.Hint)
		}
		fmt.Fprintf(&b, "Retryable: %t\nRequest: %s\nStates: %s", res.Error.Retryable, res.RequestID, joinStates(res.States))
		return mcp.NewToolResultError(b.String())
	}

	if res.Pending {
		var b strings.Builder
		fmt.Fprintf(&b, "Suggested role: %s", res.Role)
		if res.Model.ModelID != "" {
			fmt.Fprintf(&b, " (%s)", res.Model.Label())
		}
		b.WriteString("\n")
		if res.Routing != nil {
			fmt.Fprintf(&b, "Reason: %s (confidence %.2f)\n", res.Routing.Reason, res.Routing.Confidence)
		}
		fmt.Fprintf(&b, "suggestion_token: %s\n", res.SuggestionToken)
		fmt.Fprintf(&b, "Expires: %s\n", res.SuggestionExpires.Format(time.RFC3339))
		b.WriteString("Call loom_confirm with this token to generate, optionally with role to override.")
		return mcp.NewToolResultText(b.String())
	}

	now := time.Now()
	history.add(res.SessionID,
		assembler.Turn{Role: assembler.TurnUser, Content: query, AgentMode: res.AgentMode, Timestamp: now},
		assembler.Turn{Role: assembler.TurnAssistant, Content: res.Text, AgentMode: res.AgentMode, Timestamp: now},
	)

	var b strings.Builder
	b.WriteString(res.Text)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "model: %s", res.Model.Label())
	if res.Role != "" {
		fmt.Fprintf(&b, " (role %s)", res.Role)
	}
	fmt.Fprintf(&b, " | mode: %s | routing: %s | attempts: %d | latency: %s\n",
		res.AgentMode, res.RoutingMode, res.Attempts, res.Latency.Round(time.Millisecond))
	if res.Context != nil && len(res.Context.Passages) > 0 {
		var sources []string
		for _, p := range res.Context.Passages {
			sources = append(sources, fmt.Sprintf("%s (%.2f)", p.SourceCollection, p.Score))
		}
		fmt.Fprintf(&b, "sources: %s\n", strings.Join(sources, ", "))
	}
	if len(res.LayersTruncated) > 0 {
		var names []string
		for _, k := range res.LayersTruncated {
			names = append(names, string(k))
		}
		fmt.Fprintf(&b, "truncated layers: %s\n", strings.Join(names, ", "))
	}
	if res.Context != nil && len(res.Context.Degraded) > 0 {
		fmt.Fprintf(&b, "degraded: %s\n", strings.Join(res.Context.Degraded, "; "))
	}
	fmt.Fprintf(&b, "request: %s", res.RequestID)
	return mcp.NewToolResultText(b.String())
}

func joinStates(states []orchestrator.State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, " → ")
}

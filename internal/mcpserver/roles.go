package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/roles"
)

// RolesTool handles the loom_roles MCP tool.
type RolesTool struct {
	store RoleStore
}

// NewRolesTool creates a RolesTool.
func NewRolesTool(store RoleStore) *RolesTool {
	return &RolesTool{store: store}
}

// Definition returns the MCP tool definition for registration.
func (t *RolesTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_roles",
		mcp.WithDescription(
			"Inspect or change which model fills each role. "+
				"list shows current assignments, set assigns a model after checking the backend serves it, "+
				"discover asks a backend which models it has.",
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("list, set, or discover."),
			mcp.Enum("list", "set", "discover"),
		),
		mcp.WithString("role",
			mcp.Description("For set: reasoning or fast."),
		),
		mcp.WithString("backend",
			mcp.Description("For set and discover: ollama or huggingface."),
		),
		mcp.WithString("model_id",
			mcp.Description("For set: the model id on the backend."),
		),
	)
}

// Handle processes the loom_roles tool call.
func (t *RolesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch action := strings.ToLower(strings.TrimSpace(req.GetString("action", ""))); action {
	case "list":
		return t.list(), nil
	case "set":
		return t.set(ctx, req), nil
	case "discover":
		return t.discover(ctx, req), nil
	case "":
		return mcp.NewToolResultError("'action' is required: list, set, or discover"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q: use list, set, or discover", action)), nil
	}
}

func (t *RolesTool) list() *mcp.CallToolResult {
	assigned := t.store.All()

	var b strings.Builder
	b.WriteString("# Role assignments\n\n")
	for _, r := range roles.All() {
		d, ok := assigned[r]
		if !ok {
			fmt.Fprintf(&b, "- **%s**: unassigned\n", r)
			continue
		}
		fmt.Fprintf(&b, "- **%s**: %s (`%s` on %s)\n", r, d.Label(), d.ModelID, d.Backend)
	}
	return mcp.NewToolResultText(b.String())
}

func (t *RolesTool) set(ctx context.Context, req mcp.CallToolRequest) *mcp.CallToolResult {
	role, err := roles.ParseRole(req.GetString("role", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	backend := llm.BackendKind(strings.ToLower(strings.TrimSpace(req.GetString("backend", ""))))
	if backend == "" {
		return mcp.NewToolResultError("'backend' is required for set")
	}
	modelID := strings.TrimSpace(req.GetString("model_id", ""))
	if modelID == "" {
		return mcp.NewToolResultError("'model_id' is required for set")
	}

	d := roles.ModelDescriptor{Role: role, Backend: backend, ModelID: modelID}
	if err := t.store.Set(ctx, role, d); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot assign %s: %v", role, err))
	}
	return mcp.NewToolResultText(fmt.Sprintf("Role %s now uses %s.", role, d.Label()))
}

func (t *RolesTool) discover(ctx context.Context, req mcp.CallToolRequest) *mcp.CallToolResult {
	backend := llm.BackendKind(strings.ToLower(strings.TrimSpace(req.GetString("backend", ""))))
	if backend == "" {
		backend = llm.BackendOllama
	}

	models, err := t.store.ListAvailable(ctx, backend)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("discovery on %s failed: %v", backend, err))
	}
	if len(models) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No models found on %s.", backend))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Models on %s (%d)\n\n", backend, len(models))
	for _, m := range models {
		fmt.Fprintf(&b, "- `%s`\n", m.ModelID)
	}
	return mcp.NewToolResultText(b.String())
}

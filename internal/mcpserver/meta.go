package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"github.com/normanking/loom/internal/logging"
	"github.com/normanking/loom/internal/project"
)

// syncTimeout bounds a meta sync. The sync runs detached from the request.
const syncTimeout = 10 * time.Second

// ProjectMetaTool handles the loom_project_meta MCP tool.
type ProjectMetaTool struct {
	store MetaStore
}

// NewProjectMetaTool creates a ProjectMetaTool.
func NewProjectMetaTool(store MetaStore) *ProjectMetaTool {
	return &ProjectMetaTool{store: store}
}

// Definition returns the MCP tool definition for registration.
func (t *ProjectMetaTool) Definition() mcp.Tool {
	return mcp.NewTool("loom_project_meta",
		mcp.WithDescription(
			"Read or sync a project's shared state: vision, roadmap, decisions and handoffs between modes. "+
				"sync union-merges the YAML you send into the stored document. Milestone statuses only move "+
				"forward and nothing is removed, so sending a partial document is safe.",
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("show or sync."),
			mcp.Enum("show", "sync"),
		),
		mcp.WithString("project_id",
			mcp.Required(),
			mcp.Description("The project id."),
		),
		mcp.WithString("meta_yaml",
			mcp.Description("For sync: the YAML document to merge."),
		),
		mcp.WithString("updated_by",
			mcp.Description("For sync: who made the change, e.g. the calling agent's name."),
		),
	)
}

// Handle processes the loom_project_meta tool call.
func (t *ProjectMetaTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := strings.TrimSpace(req.GetString("project_id", ""))
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}

	switch action := strings.ToLower(strings.TrimSpace(req.GetString("action", ""))); action {
	case "show":
		return t.show(projectID), nil
	case "sync":
		return t.sync(ctx, projectID, req), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q: use show or sync", action)), nil
	}
}

func (t *ProjectMetaTool) show(projectID string) *mcp.CallToolResult {
	meta, err := t.store.Load(projectID)
	if err != nil && !errors.Is(err, project.ErrConfigCorrupt) {
		return mcp.NewToolResultError(fmt.Sprintf("cannot load %s: %v", projectID, err))
	}

	out, mErr := yaml.Marshal(meta)
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot encode %s: %v", projectID, mErr))
	}

	var b strings.Builder
	if err != nil {
		fmt.Fprintf(&b, "Warning: stored document is unreadable (%v). Showing an empty one; the next sync rewrites it.\n\n", err)
	}
	b.WriteString(string(out))
	return mcp.NewToolResultText(b.String())
}

func (t *ProjectMetaTool) sync(ctx context.Context, projectID string, req mcp.CallToolRequest) *mcp.CallToolResult {
	raw := req.GetString("meta_yaml", "")
	if strings.TrimSpace(raw) == "" {
		return mcp.NewToolResultError("'meta_yaml' is required for sync")
	}

	var incoming project.Meta
	if err := yaml.Unmarshal([]byte(raw), &incoming); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("meta_yaml is not valid: %v", err))
	}

	syncCtx, cancel := logging.DetachContextWithTimeout(ctx, syncTimeout)
	defer cancel()

	res, err := t.store.SyncFromAgents(syncCtx, projectID, &incoming, req.GetString("updated_by", "mcp"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err))
	}
	if !res.Changed {
		return mcp.NewToolResultText(fmt.Sprintf("Project %s is already up to date.", projectID))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project %s synced.\n", projectID)
	writeList(&b, "Added milestones", res.Report.AddedMilestones)
	writeList(&b, "Advanced", res.Report.AdvancedStatuses)
	writeList(&b, "Kept (incoming status was older)", res.Report.HeldStatuses)
	writeList(&b, "Added decisions", res.Report.AddedDecisions)
	return mcp.NewToolResultText(b.String())
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", title, strings.Join(items, ", "))
}

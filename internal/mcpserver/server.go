// Package mcpserver exposes the orchestrator over the Model Context Protocol
// so editor agents can submit requests, confirm routing suggestions, manage
// role assignments and sync project state.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/orchestrator"
	"github.com/normanking/loom/internal/project"
	"github.com/normanking/loom/internal/roles"
)

// Submitter runs requests. *orchestrator.Orchestrator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Result, error)
	Confirm(ctx context.Context, token string, role roles.Role) (*orchestrator.Result, error)
}

// RoleStore manages role assignments. *roles.Registry satisfies it.
type RoleStore interface {
	All() map[roles.Role]roles.ModelDescriptor
	Set(ctx context.Context, role roles.Role, d roles.ModelDescriptor) error
	ListAvailable(ctx context.Context, kind llm.BackendKind) ([]roles.ModelDescriptor, error)
}

// MetaStore reads and syncs project state. *project.Store satisfies it.
type MetaStore interface {
	Load(projectID string) (*project.Meta, error)
	SyncFromAgents(ctx context.Context, projectID string, incoming *project.Meta, updatedBy string) (*project.SyncResult, error)
}

// Deps are the collaborators the tools need.
type Deps struct {
	Orchestrator Submitter
	Roles        RoleStore
	Projects     MetaStore
}

// New creates the MCP server with every tool registered.
func New(version string, deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"loom",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	history := newHistoryStore(maxHistoryTurns)

	submitTool := NewSubmitTool(deps.Orchestrator, history)
	s.AddTool(submitTool.Definition(), submitTool.Handle)

	confirmTool := NewConfirmTool(deps.Orchestrator, history)
	s.AddTool(confirmTool.Definition(), confirmTool.Handle)

	rolesTool := NewRolesTool(deps.Roles)
	s.AddTool(rolesTool.Definition(), rolesTool.Handle)

	metaTool := NewProjectMetaTool(deps.Projects)
	s.AddTool(metaTool.Definition(), metaTool.Handle)

	return s
}

// Serve runs s over stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

const instructions = "Loom routes questions to a reasoning or fast local model, " +
	"adding agent-mode instructions, project state, documentation passages and session history. " +
	"Use loom_submit to ask, loom_confirm to accept an assisted-routing suggestion, " +
	"loom_roles to inspect or change which model fills each role, and " +
	"loom_project_meta to read or sync the shared project roadmap."

// Package mcpserver exposes environment provisioning and test execution as
// MCP tools over stdio. Every tool returns a JSON envelope in its text
// content: {"success": true, "data": ...} or {"success": false, "error": ...}.
// Failures are reported inside the envelope so MCP clients always get a
// well-formed tool result.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/jaribu/internal/service"
)

const serverName = "jaribu"

// Gateway is the MCP stdio gateway.
type Gateway struct {
	svc     *service.Service
	version string
	logger  *slog.Logger
	mcp     *server.MCPServer
}

// NewGateway creates the MCP gateway and registers the four tools.
func NewGateway(svc *service.Service, version string, logger *slog.Logger) *Gateway {
	g := &Gateway{svc: svc, version: version, logger: logger}

	s := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("local_dev_from_github",
		mcp.WithDescription("Create a new local development environment from a GitHub repository"),
		mcp.WithString("github_url",
			mcp.Required(),
			mcp.Description("GitHub repository URL"),
		),
		mcp.WithString("branch",
			mcp.Description("Branch to clone (default branch when omitted)"),
		),
	), g.handleFromGitHub)

	s.AddTool(mcp.NewTool("local_dev_from_filesystem",
		mcp.WithDescription("Create a new local development environment from a filesystem path"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Local filesystem path"),
		),
	), g.handleFromFilesystem)

	s.AddTool(mcp.NewTool("local_dev_run_tests",
		mcp.WithDescription("Auto-detect and run tests in a local development environment"),
		mcp.WithString("env_id",
			mcp.Required(),
			mcp.Description("Environment identifier"),
		),
	), g.handleRunTests)

	s.AddTool(mcp.NewTool("local_dev_cleanup",
		mcp.WithDescription("Clean up a local development environment"),
		mcp.WithString("env_id",
			mcp.Required(),
			mcp.Description("Environment identifier"),
		),
	), g.handleCleanup)

	g.mcp = s
	return g
}

// Start serves MCP over stdin/stdout and blocks until the stream closes or
// ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info("mcp gateway starting", slog.String("version", g.version))
	return server.NewStdioServer(g.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Stop is a no-op: the stdio server exits when Start's context is canceled.
func (g *Gateway) Stop(_ context.Context) error {
	g.logger.Info("mcp gateway stopping")
	return nil
}

// EnvironmentData is the data payload for environment creation tools.
type EnvironmentData struct {
	ID         string `json:"id"`
	WorkingDir string `json:"working_dir"`
	CreatedAt  string `json:"created_at"`
	Runtime    string `json:"runtime"`
}

func (g *Gateway) handleFromGitHub(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("github_url")
	if err != nil {
		return failure(err.Error()), nil
	}
	branch := req.GetString("branch", "")

	env, err := g.svc.CreateFromRepo(ctx, url, branch)
	if err != nil {
		return failure(err.Error()), nil
	}
	return success(EnvironmentData{
		ID:         env.ID,
		WorkingDir: env.Sandbox.WorkDir,
		CreatedAt:  env.CreatedAt.Format(time.RFC3339),
		Runtime:    string(env.Runtime.Name),
	}), nil
}

func (g *Gateway) handleFromFilesystem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return failure(err.Error()), nil
	}

	env, err := g.svc.CreateFromPath(ctx, path)
	if err != nil {
		return failure(err.Error()), nil
	}
	return success(EnvironmentData{
		ID:         env.ID,
		WorkingDir: env.Sandbox.WorkDir,
		CreatedAt:  env.CreatedAt.Format(time.RFC3339),
		Runtime:    string(env.Runtime.Name),
	}), nil
}

func (g *Gateway) handleRunTests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envID, err := req.RequireString("env_id")
	if err != nil {
		return failure(err.Error()), nil
	}
	if _, err := g.svc.Get(envID); err != nil {
		return failure(fmt.Sprintf("Unknown environment: %s", envID)), nil
	}

	res, err := g.svc.RunTests(ctx, envID)
	if err != nil {
		return failure(err.Error()), nil
	}
	return success(res), nil
}

func (g *Gateway) handleCleanup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envID, err := req.RequireString("env_id")
	if err != nil {
		return failure(err.Error()), nil
	}
	if _, err := g.svc.Get(envID); err != nil {
		return failure(fmt.Sprintf("Unknown environment: %s", envID)), nil
	}

	if err := g.svc.Cleanup(envID); err != nil {
		return failure(err.Error()), nil
	}
	return success(map[string]string{"message": "Environment cleaned up successfully"}), nil
}

// envelope is the JSON wrapper every tool result carries.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func success(data any) *mcp.CallToolResult {
	return render(envelope{Success: true, Data: data})
}

func failure(msg string) *mcp.CallToolResult {
	return render(envelope{Success: false, Error: msg})
}

func render(env envelope) *mcp.CallToolResult {
	data, err := json.Marshal(env)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding response: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

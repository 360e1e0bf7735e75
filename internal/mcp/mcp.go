// Package mcp implements the Model Context Protocol server for Hyoka.
//
// The MCP server exposes appraisal capabilities through MCP tools,
// resources, and prompts, so MCP-compatible AI agents can inspect
// instrument definitions, preview scores, and ground consensus drafting
// in the actual disagreement report. All tools are read-only; mutations
// stay on the HTTP API where idempotency keys and audit metadata are
// enforced.
package mcp

import (
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hyoka/internal/authz"
	"github.com/ashita-ai/hyoka/internal/service/checklists"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// compareWindow is how long a hyoka_compare call counts as "recent" for
// the compare-before-preview nudge.
const compareWindow = 15 * time.Minute

// Server wraps the MCP server with Hyoka's service layer.
type Server struct {
	mcpServer      *mcpserver.MCPServer
	db             *storage.DB
	checklistSvc   *checklists.Service
	grantCache     *authz.GrantCache
	compareTracker *compareTracker
	logger         *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources,
// and prompts registered.
func New(db *storage.DB, checklistSvc *checklists.Service, grantCache *authz.GrantCache, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:             db,
		checklistSvc:   checklistSvc,
		grantCache:     grantCache,
		compareTracker: newCompareTracker(compareWindow),
		logger:         logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hyoka",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// Command hyoka-mcp serves the Hyoka MCP tools over stdio, for editor and
// agent integrations that spawn a local subprocess instead of connecting
// to the HTTP transport on /mcp.
//
// It shares the server's Postgres database but never runs migrations and
// never writes: every tool it exposes is read-only. A stdio session
// carries no token, so it sees every study; restrict access by
// restricting who can run the binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hyoka/internal/config"
	"github.com/ashita-ai/hyoka/internal/mcp"
	"github.com/ashita-ai/hyoka/internal/service/checklists"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Stdout belongs to the stdio transport; all logging goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// No notify URL: the stdio binary has no SSE broker to feed.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	checklistSvc := checklists.New(db, logger)

	// Nil grant cache: a stdio session has no claims, so the per-study
	// authorization path never runs.
	srv := mcp.New(db, checklistSvc, nil, logger, version)

	return mcpserver.ServeStdio(srv.MCPServer())
}

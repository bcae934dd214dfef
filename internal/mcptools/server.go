// Package mcptools exposes the credential pool's acquire/use/report cycle
// as a Model Context Protocol tool, adapted from the reference module's
// internal/mcp server wiring (mark3labs/mcp-go).
package mcptools

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/turnstile/turnstile/internal/credpool"
)

const serverInstructions = `You have access to turnstile_search, which answers a question through a
pooled upstream credential. You do not choose which credential serves the
request — the pool picks one for you based on its own weighting and
cooldown state, and automatically reports the outcome back to the pool.

Use turnstile_status to see the pool's current health: which credentials
are available, their current weight, and any in cooldown.`

// Server wraps the MCP server with the credential pool it fronts.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pool      *credpool.Manager
	logger    *slog.Logger
}

// New creates and configures an MCP server exposing turnstile_search and
// turnstile_status.
func New(pool *credpool.Manager, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pool: pool, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"turnstile",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mark3labs/mcp-go server, for callers
// that need to attach it to a transport (stdio, SSE, streamable HTTP).
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/turnstile/turnstile/internal/credpool"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("turnstile_search",
			mcplib.WithDescription(`Answer a question using a pooled upstream credential.

The pool selects which credential serves this call and reports the outcome
back to it automatically — you never see or choose a credential id.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The question to ask."),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description(`Answer mode, e.g. "concise" or "copilot". Defaults to "concise".`),
			),
			mcplib.WithBoolean("incognito",
				mcplib.Description("Whether to make the request without attaching account history."),
			),
		),
		s.handleSearch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("turnstile_status",
			mcplib.WithDescription("Report the credential pool's current health: mode, availability, and per-credential weight/backoff state."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleStatus,
	)
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	mode := request.GetString("mode", "concise")
	incognito := request.GetBool("incognito", false)

	id, handle, err := s.pool.Acquire(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("no credential available: %v", err)), nil
	}

	hasAnswer, err := handle.Search(ctx, query, mode, nil, incognito)
	if err != nil {
		if reportErr := s.pool.Report(id, credpool.GenericFailure); reportErr != nil {
			s.logger.Warn("report failed after search error", "id", id, "error", reportErr)
		}
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	outcome := credpool.Success
	if !hasAnswer {
		outcome = credpool.CapabilityFailure
	}
	if err := s.pool.Report(id, outcome); err != nil {
		s.logger.Warn("report failed after search", "id", id, "error", err)
	}

	result := map[string]any{"has_answer": hasAnswer}
	data, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func (s *Server) handleStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := s.pool.Status()
	data, _ := json.MarshalIndent(status, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func errorResult(message string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: message}},
	}
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nlowen/cited/internal/agent"
	"github.com/nlowen/cited/internal/citation"
	"github.com/nlowen/cited/internal/retrieval"
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, question string, topK int) ([]retrieval.ScoredFragment, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Agent     Asker
	Cache     ResponseCache
	Retriever MCPRetriever
	Logger    *slog.Logger
}

// NewMCPServer creates an MCP server exposing the question-answering loop
// and raw evidence search as tools, plus cache statistics as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := server.NewMCPServer(
		"cited",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cited — question answering over a local evidence corpus, with citations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the local evidence corpus. Returns the answer and the citations it is grounded on."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithNumber("timeout_s", mcp.Description("Time budget in seconds (default 60)")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search the evidence corpus and return the closest fragments without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of fragments (default 3)")),
		),
		mcpSearch(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cache://stats",
			"Semantic Cache Statistics",
			mcp.WithResourceDescription("Current semantic response cache statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCacheStats(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		timeout := DefaultChatTimeout
		if s := req.GetFloat("timeout_s", 0); s > 0 {
			timeout = time.Duration(s * float64(time.Second))
			if timeout > maxChatTimeout {
				timeout = maxChatTimeout
			}
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if hit, ok := deps.Cache.Lookup(ctx, question); ok {
			return mcpText(renderAnswer(hit.Answer, hit.Citations, true)), nil
		}

		result, err := deps.Agent.Ask(ctx, question)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to answer: %v", err)), nil
		}
		// best effort; a cold cache is not an error
		if err := deps.Cache.Store(ctx, question, result.Answer, result.Citations); err != nil {
			logger.Warn("caching answer failed", "error", err)
		}
		return mcpText(renderAnswer(result.Answer, result.Citations, false)), nil
	}
}

func renderAnswer(answer string, citations []citation.Citation, cached bool) string {
	var sb strings.Builder
	sb.WriteString(answer)
	if len(citations) > 0 {
		sb.WriteString("\n\nSources:\n")
		for i, c := range citations {
			fmt.Fprintf(&sb, "[%d] %s", i+1, c.Source)
			if c.Title != "" {
				fmt.Fprintf(&sb, " — %s", c.Title)
			}
			if c.Page > 0 {
				fmt.Fprintf(&sb, " (p. %d)", c.Page)
			}
			sb.WriteString("\n")
		}
	}
	if cached {
		sb.WriteString("\n(served from cache)")
	}
	return sb.String()
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", agent.DefaultTopK)
		if limit <= 0 || limit > 50 {
			limit = agent.DefaultTopK
		}

		frags, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(frags) == 0 {
			return mcpText("no matching fragments"), nil
		}

		var sb strings.Builder
		for i, f := range frags {
			fmt.Fprintf(&sb, "[%d] %s", i+1, f.Source)
			if f.Title != "" {
				fmt.Fprintf(&sb, " — %s", f.Title)
			}
			fmt.Fprintf(&sb, " (score %.3f)\n%s\n\n", f.Score, f.Text)
		}
		return mcpText(strings.TrimSpace(sb.String())), nil
	}
}

func mcpResourceCacheStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := json.MarshalIndent(deps.Cache.Snapshot(), "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "cache://stats",
				MIMEType: "application/json",
				Text:     string(stats),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

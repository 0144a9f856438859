package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/feedbackd/internal/analysis"
	"github.com/kalambet/feedbackd/internal/daterange"
)

const (
	defaultMCPLimit = 100
	maxMCPLimit     = 1000
)

// TextAnalyzer analyzes a single string.
type TextAnalyzer interface {
	AnalyzeText(ctx context.Context, content string) (analysis.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service  Querier
	Analyzer TextAnalyzer // optional; if nil, analyze_text returns an error
	Version  string
}

// NewMCPServer creates an MCP server exposing the feedback tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"feedbackd",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("feedbackd serves user feedback by date range, optionally enriched with sentiment, category, tags and a summary."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_feedback",
			mcp.WithDescription("List user feedback created between two dates (inclusive), newest first."),
			mcp.WithString("from", mcp.Description("Start date, YYYY-MM-DD"), mcp.Required()),
			mcp.WithString("to", mcp.Description("End date, YYYY-MM-DD"), mcp.Required()),
			mcp.WithBoolean("ai", mcp.Description("Require AI sentiment/category/summary enrichment (default false)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records returned (default 100)")),
		),
		mcpQueryFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_text",
			mcp.WithDescription("Classify a single piece of feedback text: sentiment, category, tags and a one-sentence summary."),
			mcp.WithString("content", mcp.Description("The feedback text"), mcp.Required()),
		),
		mcpAnalyzeText(deps),
	)

	return s
}

func mcpQueryFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := req.RequireString("from")
		if err != nil {
			return mcpError("from is required"), nil
		}
		to, err := req.RequireString("to")
		if err != nil {
			return mcpError("to is required"), nil
		}
		rng, err := daterange.New(from, to)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if rng.Days() > maxRangeDays {
			return mcpError(fmt.Sprintf("range spans %d days, maximum is %d", rng.Days(), maxRangeDays)), nil
		}

		limit := req.GetInt("limit", defaultMCPLimit)
		if limit <= 0 {
			limit = defaultMCPLimit
		}
		if limit > maxMCPLimit {
			limit = maxMCPLimit
		}

		records, err := deps.Service.Query(ctx, rng.From, rng.To, req.GetBool("ai", false))
		if err != nil {
			_, typ := queryErrorStatus(err)
			return mcpError(fmt.Sprintf("query failed (%s): %v", typ, err)), nil
		}

		total := len(records)
		if len(records) > limit {
			records = records[:limit]
		}
		b, err := json.Marshal(map[string]any{
			"total":   total,
			"count":   len(records),
			"records": records,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal records: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAnalyzeText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		if deps.Analyzer == nil {
			return mcpError("AI analysis is disabled"), nil
		}

		r, err := deps.Analyzer.AnalyzeText(ctx, content)
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		b, err := json.Marshal(r)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
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

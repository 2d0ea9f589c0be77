package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/groundgen/groundgen/internal/compose"
	"github.com/groundgen/groundgen/internal/pipeline"
	"github.com/groundgen/groundgen/internal/source"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sources   *source.Manager
	Pipeline  *pipeline.Pipeline
	Retriever Retriever
	Composer  *compose.Composer
	TopK      int
}

// NewMCPServer creates an MCP server with all groundgen tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"groundgen",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("groundgen generates documents grounded exclusively in verified sources. Register sources, verify and ingest them, then search or generate."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_source",
			mcp.WithDescription("Register a data source. Exactly one of url or path is required."),
			mcp.WithString("kind", mcp.Description("Source kind: official_website, annual_report, government_registry, guidelines, file, or text")),
			mcp.WithString("url", mcp.Description("HTTP(S) location of the source")),
			mcp.WithString("path", mcp.Description("Local file path of the source")),
		),
		mcpAddSource(deps),
	)

	s.AddTool(
		mcp.NewTool("verify_source",
			mcp.WithDescription("Fetch and fingerprint a registered source, appending the result to the verification log."),
			mcp.WithString("source_id", mcp.Description("ID of the registered source"), mcp.Required()),
		),
		mcpVerifySource(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_source",
			mcp.WithDescription("Verify a source and index its content for retrieval. Only freshly verified content is indexed."),
			mcp.WithString("source_id", mcp.Description("ID of the registered source"), mcp.Required()),
			mcp.WithString("section", mcp.Description("Optional section label attached to the vectors")),
		),
		mcpIngestSource(deps),
	)

	s.AddTool(
		mcp.NewTool("search_context",
			mcp.WithDescription("Semantically search the verified context. Only results with verified provenance are returned."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchContext(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_section",
			mcp.WithDescription("Generate one document section grounded in verified context. Reports missing information instead of fabricating."),
			mcp.WithString("name", mcp.Description("Section name"), mcp.Required()),
			mcp.WithString("requirements", mcp.Description("What the section must cover; used as the retrieval query"), mcp.Required()),
		),
		mcpGenerateSection(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sources",
			mcp.WithDescription("List registered sources with their verification status."),
		),
		mcpListSources(deps),
	)

	return s
}

func mcpAddSource(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		src, err := deps.Sources.Add(source.Source{
			Kind: source.Kind(req.GetString("kind", "")),
			URL:  req.GetString("url", ""),
			Path: req.GetString("path", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add source: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Registered source %s (%s)", src.ID, src.Kind)), nil
	}
}

func mcpVerifySource(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("source_id")
		if err != nil {
			return mcpError("source_id is required"), nil
		}

		vs, err := deps.Sources.Verify(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("verification failed: %v", err)), nil
		}

		b, err := json.Marshal(vs.Record())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngestSource(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("source_id")
		if err != nil {
			return mcpError("source_id is required"), nil
		}

		result, err := deps.Pipeline.IngestSource(ctx, pipeline.IngestItem{
			SourceID: id,
			Section:  req.GetString("section", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Ingested source %s: %d chunks, %d vectors", id, result.Chunks, result.Vectors)), nil
	}
}

func mcpSearchContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", deps.TopK)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		results := make([]QueryMatch, len(matches))
		for i, m := range matches {
			results[i] = QueryMatch{ID: m.ID, Score: m.Score, Metadata: m.Metadata}
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerateSection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		requirements, err := req.RequireString("requirements")
		if err != nil {
			return mcpError("requirements is required"), nil
		}

		result, err := deps.Composer.GenerateSection(ctx, compose.Section{
			Name:         name,
			Requirements: requirements,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSources(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		statuses, err := deps.Sources.List()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sources: %v", err)), nil
		}

		out := make([]SourceResponse, len(statuses))
		for i, st := range statuses {
			out[i] = SourceResponse{
				ID:             st.Source.ID,
				Kind:           string(st.Source.Kind),
				URL:            st.Source.URL,
				Path:           st.Source.Path,
				CreatedAt:      st.Source.CreatedAt,
				Verified:       st.Verified,
				LastVerifiedAt: st.LastVerifiedAt,
				LastHash:       st.LastHash,
			}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sources: %v", err)), nil
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

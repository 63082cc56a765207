package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// runIngestTool returns the tool definition for run_ingest
func runIngestTool() mcp.Tool {
	return mcp.Tool{
		Name:        "run_ingest",
		Description: "Run an incremental ingest of a configured document source",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"source": map[string]interface{}{
					"type":        "string",
					"description": "Name of the configured source (optional when only one is configured)",
				},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, re-chunk every document even when its change signal is unchanged",
					"default":     false,
				},
			},
		},
	}
}

// searchChunksTool returns the tool definition for search_chunks
func searchChunksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_chunks",
		Description: "Search ingested document chunks by semantic similarity",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language search query",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"source": map[string]interface{}{
					"type":        "string",
					"description": "Only return chunks from this source",
				},
				"min_score": map[string]interface{}{
					"type":        "number",
					"description": "Minimum cosine similarity (0.0-1.0)",
					"minimum":     0.0,
					"maximum":     1.0,
				},
			},
			Required: []string{"query"},
		},
	}
}

// ingestStatusTool returns the tool definition for ingest_status
func ingestStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_status",
		Description: "Report recent ingest runs and index statistics",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Number of recent runs to return (1-50)",
					"default":     5,
					"minimum":     1,
					"maximum":     50,
				},
			},
		},
	}
}

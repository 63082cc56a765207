package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/indexer"
	"github.com/ncolesummers/document-ingestor/internal/searcher"
)

// MCP error codes
const (
	ErrorCodeInvalidParams    = -32602 // Invalid method parameters
	ErrorCodeInternalError    = -32603 // Internal JSON-RPC error
	ErrorCodeIngestInProgress = -32002 // Another ingest run is already running
	ErrorCodeEmptyQuery       = -32004 // Query parameter is empty
)

const (
	defaultStatusLimit = 5
	maxStatusLimit     = 50
)

// handleRunIngest handles the run_ingest tool invocation
func (s *Server) handleRunIngest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	src, err := s.resolveSource(getStringDefault(args, "source", ""))
	if err != nil {
		return nil, err
	}
	force := getBoolDefault(args, "force", false)

	s.logger.Info("ingest requested", "source", src.Name(), "force", force)
	summary, err := s.indexer.Run(ctx, src, indexer.RunOptions{Force: force})
	if summary != nil && summary.UpsertedDocs+summary.RemovedDocs+summary.Superseded > 0 {
		s.searcher.InvalidateCache()
	}
	switch {
	case errors.Is(err, indexer.ErrRunInProgress):
		return nil, newMCPError(ErrorCodeIngestInProgress, "an ingest run is already in progress", nil)
	case err != nil:
		return nil, newMCPError(ErrorCodeInternalError, "ingest failed", map[string]interface{}{
			"error":   err.Error(),
			"summary": summary,
		})
	}

	return mcp.NewToolResultText(formatJSON(summary)), nil
}

// handleSearchChunks handles the search_chunks tool invocation
func (s *Server) handleSearchChunks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query := getStringDefault(args, "query", "")
	if query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", searcher.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	source := getStringDefault(args, "source", "")
	if source != "" {
		if _, ok := s.sources[source]; !ok {
			return nil, unknownSource(source, s.order)
		}
	}

	minScore := getFloatDefault(args, "min_score", 0)
	if minScore < 0 || minScore > 1 {
		return nil, newMCPError(ErrorCodeInvalidParams, "min_score must be between 0 and 1", map[string]interface{}{
			"param": "min_score",
			"value": minScore,
		})
	}

	resp, err := s.searcher.Search(ctx, searcher.SearchRequest{
		Query:    query,
		Limit:    limit,
		Source:   source,
		MinScore: minScore,
		UseCache: true,
	})
	if errors.Is(err, searcher.ErrEmptyQuery) {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", nil)
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	results := make([]map[string]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, map[string]interface{}{
			"rank":        r.Rank,
			"score":       r.Score,
			"chunk_id":    r.ChunkID,
			"document_id": r.DocumentID,
			"path":        r.Path,
			"uri":         r.URI,
			"title":       r.Title,
			"source":      r.Source,
			"text":        r.Text,
		})
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"query":         query,
		"total_results": resp.TotalResults,
		"cache_hit":     resp.CacheHit,
		"duration_ms":   resp.Duration.Milliseconds(),
		"results":       results,
	})), nil
}

// handleIngestStatus handles the ingest_status tool invocation
func (s *Server) handleIngestStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	limit := getIntDefault(args, "limit", defaultStatusLimit)
	if limit < 1 || limit > maxStatusLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 50", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	runs, err := s.storage.ListRuns(ctx, limit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list runs", map[string]interface{}{
			"error": err.Error(),
		})
	}
	documents, err := s.storage.CountFingerprints(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to count documents", map[string]interface{}{
			"error": err.Error(),
		})
	}
	chunks, err := s.index.Count(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to count chunks", map[string]interface{}{
			"error": err.Error(),
		})
	}

	recent := make([]map[string]interface{}, 0, len(runs))
	for _, r := range runs {
		run := map[string]interface{}{
			"run_id":      r.ID,
			"source":      r.Source,
			"status":      r.Status,
			"started_at":  r.StartedAt.Format(time.RFC3339),
			"finished_at": r.FinishedAt.Format(time.RFC3339),
			"skipped":     r.Skipped,
			"upserted":    r.Upserted,
			"removed":     r.Removed,
			"failed":      r.Failed,
			"superseded":  r.Superseded,
			"cancelled":   r.Cancelled,
			"upserts":     r.Upserts,
			"deletes":     r.Deletes,
		}
		if r.Error != "" {
			run["error"] = r.Error
		}
		recent = append(recent, run)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"running":   s.indexer.Running(),
		"sources":   s.order,
		"documents": documents,
		"chunks":    chunks,
		"runs":      recent,
	})), nil
}

// resolveSource picks the named source, or the only one when name is empty
func (s *Server) resolveSource(name string) (fetcher.Source, error) {
	if name == "" {
		if len(s.order) == 1 {
			return s.sources[s.order[0]], nil
		}
		return nil, newMCPError(ErrorCodeInvalidParams, "source parameter is required when several sources are configured", map[string]interface{}{
			"param":   "source",
			"allowed": s.order,
		})
	}
	src, ok := s.sources[name]
	if !ok {
		return nil, unknownSource(name, s.order)
	}
	return src, nil
}

func unknownSource(name string, allowed []string) error {
	return newMCPError(ErrorCodeInvalidParams, "unknown source", map[string]interface{}{
		"param":   "source",
		"value":   name,
		"allowed": allowed,
	})
}

// Helper functions

// arguments returns the tool arguments. Missing arguments are an empty map.
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

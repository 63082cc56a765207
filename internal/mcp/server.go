package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/indexer"
	"github.com/ncolesummers/document-ingestor/internal/searcher"
	"github.com/ncolesummers/document-ingestor/internal/storage"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
)

const (
	// ServerName is the MCP server name
	ServerName = "document-ingestor"
)

// ServerVersion is the reported server version, set by the CLI at build time
var ServerVersion = "dev"

// Deps are the components the server exposes as tools
type Deps struct {
	Storage  storage.Storage
	Index    vectorindex.Index
	Indexer  *indexer.Indexer
	Searcher *searcher.Searcher
	Sources  []fetcher.Source
	Logger   *slog.Logger
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	storage  storage.Storage
	index    vectorindex.Index
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
	sources  map[string]fetcher.Source
	order    []string
	logger   *slog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Storage == nil:
		return nil, errors.New("storage is required")
	case deps.Index == nil:
		return nil, errors.New("vector index is required")
	case deps.Indexer == nil:
		return nil, errors.New("indexer is required")
	case deps.Searcher == nil:
		return nil, errors.New("searcher is required")
	case len(deps.Sources) == 0:
		return nil, errors.New("at least one source is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcp:      server.NewMCPServer(ServerName, ServerVersion),
		storage:  deps.Storage,
		index:    deps.Index,
		indexer:  deps.Indexer,
		searcher: deps.Searcher,
		sources:  make(map[string]fetcher.Source, len(deps.Sources)),
		logger:   logger.With("component", "mcp"),
	}
	for _, src := range deps.Sources {
		if _, dup := s.sources[src.Name()]; dup {
			return nil, fmt.Errorf("duplicate source name %q", src.Name())
		}
		s.sources[src.Name()] = src
		s.order = append(s.order, src.Name())
	}

	s.registerTools()
	return s, nil
}

// Serve runs the MCP server on stdio until ctx is done or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio", "sources", s.order)
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(runIngestTool(), s.handleRunIngest)
	s.mcp.AddTool(searchChunksTool(), s.handleSearchChunks)
	s.mcp.AddTool(ingestStatusTool(), s.handleIngestStatus)
}

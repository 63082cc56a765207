// Package mcp implements the Model Context Protocol (MCP) server for the
// document ingestor.
//
// The server exposes three tools over stdio:
//   - run_ingest: run an incremental ingest of a configured source
//   - search_chunks: semantic search over ingested chunks
//   - ingest_status: recent runs and index statistics
//
// Stdout carries protocol messages only. Logs go to stderr.
//
// # Tool: run_ingest
//
//	{
//	  "name": "run_ingest",
//	  "arguments": {"source": "docs", "force": false}
//	}
//
// source may be omitted when exactly one source is configured. The result is
// the run summary as JSON. Only one run executes at a time; a second call
// fails with code -32002.
//
// # Tool: search_chunks
//
//	{
//	  "name": "search_chunks",
//	  "arguments": {"query": "rotating api keys", "limit": 5}
//	}
//
// # Tool: ingest_status
//
//	{
//	  "name": "ingest_status",
//	  "arguments": {"limit": 5}
//	}
//
// # Error Codes
//
//	-32602  invalid parameters
//	-32603  internal error
//	-32002  an ingest run is already in progress
//	-32004  empty query
package mcp

//go:build sqlite_cgo

package storage

// Compiled with CGO_ENABLED=1 go build -tags sqlite_cgo ./...
// Uses the C SQLite amalgamation through github.com/mattn/go-sqlite3.

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the database/sql driver registered for SQLite
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

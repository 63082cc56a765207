//go:build !sqlite_cgo

package storage

// Default build. Pure Go SQLite through modernc.org/sqlite, no C compiler
// required.

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver registered for SQLite
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

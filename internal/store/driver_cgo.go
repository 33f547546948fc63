// ABOUTME: Registers the cgo SQLite driver (mattn/go-sqlite3) as an alternative backend
// ABOUTME: Selected with database.driver: sqlite3 in the config file

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// DriverCGO is the database/sql name registered by mattn/go-sqlite3.
// It needs CGO_ENABLED=1 at build time; without cgo, opening fails at runtime.
const DriverCGO = "sqlite3"

// Package dbmigrations exposes embedded SQL migrations for Outflow binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Outflow binaries.
//
//go:embed *.sql
var Files embed.FS

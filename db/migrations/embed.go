// Package dbmigrations exposes the arbiter schema migrations embedded into binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS

// Package migrations holds the Postgres schema as ordered SQL files.
package migrations

import "embed"

// Files contains every {version}_{name}.up.sql and .down.sql file.
//
//go:embed *.sql
var Files embed.FS

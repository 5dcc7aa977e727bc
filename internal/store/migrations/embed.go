package migrations

import "embed"

// FS contains embedded SQLite migrations for the kv backend.
//
//go:embed *.sql
var FS embed.FS

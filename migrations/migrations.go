// Package migrations embeds the SQL schema migrations for both stores.
package migrations

import "embed"

// FS holds sqlite/ (agent config store) and postgres/ (ingest server) goose migrations.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

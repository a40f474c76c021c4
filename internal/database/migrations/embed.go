// Package migrations embeds the versioned schema files for each store.
package migrations

import "embed"

// SQLite holds the migrations for the embedded store.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres holds the migrations for the Postgres store.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// Package migrations embeds the goose migrations that create the sdk_state
// table used by the Postgres storage backend.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS

// Package migrations embeds the Postgres schema: one table per stored
// collection plus the Telegram session table.
package migrations

import "embed"

// FS holds the numbered up/down SQL files applied by internal/migrator.
//
//go:embed *.sql
var FS embed.FS

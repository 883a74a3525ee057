// Package migrations embeds the goose schema migrations of the SQLite
// journal.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS

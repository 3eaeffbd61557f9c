// Package migrations embeds the goose migrations of the SQLite channel.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

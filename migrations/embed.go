// Package migrations embeds the goose SQL migration files for the
// snapshot database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

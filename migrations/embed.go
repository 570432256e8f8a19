// Package migrations embeds the goose SQL migrations for the rules, API key
// and audit log tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

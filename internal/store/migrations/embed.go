// Package migrations holds the goose SQL migrations for the outbox database.
package migrations

import "embed"

// FS contains the SQL migration files.
//
//go:embed *.sql
var FS embed.FS

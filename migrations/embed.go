// Package migrations holds the item store schema.
package migrations

import "embed"

// FS contains the NNN_name.sql migration files.
//
//go:embed *.sql
var FS embed.FS

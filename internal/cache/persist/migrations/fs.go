// Package migrations embeds the schema for the sqlite persistence tier.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

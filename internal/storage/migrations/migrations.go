// Package migrations embeds the schema migrations applied at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they are applied.
var Files = []string{
	"001_initial.up.sql",
	"002_topic_streams.up.sql",
}

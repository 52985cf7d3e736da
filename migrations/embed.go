// Package migrations embeds the SQL schema for the mqttsync state store.
package migrations

import "embed"

// FS holds every migration file at its root.
//
//go:embed *.sql
var FS embed.FS

// Package migrations embeds the schema migration files consumed by
// golang-migrate's iofs source driver.
package migrations

import "embed"

// FS holds the versioned .up.sql / .down.sql migration pairs.
//
//go:embed *.sql
var FS embed.FS

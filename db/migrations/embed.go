// Package dbmigrations exposes embedded SQL migrations for tradekit binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tradekit binaries.
//
//go:embed *.sql
var Files embed.FS

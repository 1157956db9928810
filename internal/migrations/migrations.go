package migrations

import "embed"

// Files contains the SQL migrations embedded into the binary.
//
// Migrations live alongside this package using a flat naming convention
// (e.g., 001_init.sql); the store migration runner reads and applies them in
// lexical order.
//
//go:embed *.sql
var Files embed.FS

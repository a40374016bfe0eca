// Package storage is the durable source of truth for tells.
//
// The only backend is SQLite (modernc.org/sqlite, pure Go). All identity
// arguments are lowercased before they reach SQL.
package storage

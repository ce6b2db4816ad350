// Package database provides the SQLite connection for rule run history.
//
// Open creates the file (0600, directory 0750), enables WAL mode, and applies
// the embedded migrations registered by the migrations package:
//
//	import _ "github.com/nerrad567/gray-logic-hub/migrations"
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//
// SQLite has a single writer, so the pool is limited to one connection.
package database

// Package all wires all built-in storage backends into the storage factory.
//
// Importing it for side effects registers these kinds with storage.New:
//
//   - "duckdb"   (eventsync/internal/storage/duckdb)
//   - "sqlite"   (eventsync/internal/storage/sqlite)
//   - "postgres" (eventsync/internal/storage/postgres)
//   - "mssql"    (eventsync/internal/storage/mssql)
//   - "mysql"    (eventsync/internal/storage/mysql)
//
// A binary that needs fewer backends can import the individual packages
// instead.
package all

import (
	_ "eventsync/internal/storage/duckdb"
	_ "eventsync/internal/storage/mssql"
	_ "eventsync/internal/storage/mysql"
	_ "eventsync/internal/storage/postgres"
	_ "eventsync/internal/storage/sqlite"
)

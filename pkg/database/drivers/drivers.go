// Package drivers registers the database/sql drivers the run history can
// use. Binaries import it for its side effects; package tests that only
// need SQLite import modernc.org/sqlite directly.
package drivers

// Ready is a no-op that makes the import explicit at the call site.
func Ready() {}

// Package database manages the SQLite connection and schema migrations.
//
// The scope-version tables depend on SQLite's single-writer discipline:
// version advances use compare-and-set updates inside transactions, and the
// pool is limited to one open connection so concurrent recomputes serialise
// instead of failing with SQLITE_BUSY.
package database

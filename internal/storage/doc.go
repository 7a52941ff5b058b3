// Package storage persists finished builds and notifier dedup state.
//
// Drivers:
//   - "file": JSON Lines for builds plus a dedup snapshot and journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, WAL mode)
//
// An empty driver (or "none") disables storage; Open then returns nil.
package storage

// Package storage persists the event ledger so admitted events survive a
// restart of the bot in the middle of a session.
//
// Backends:
//   - "file": jsonl journal compacted into a json snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "badger": badger key/value directory with msgpack values
//
// An empty driver, "none" or "memory" disables persistence; the ledger then
// lives in process memory only.
package storage

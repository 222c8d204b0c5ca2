// Package store provides SQLite-backed durable storage for versioned entities.
//
// One table holds every record of every type. Records are never deleted:
// retiring a record sets its void columns, and a replacement row links back
// to it through previous_version.
//
// # Transactions
//
// SQLite allows one writer, and the pool is capped at one connection. Code
// that opens a Tx must run every query of that unit of work through the Tx,
// including reads; going through Store while a Tx is open blocks until the
// Tx ends. Nested units of work use savepoints on the same Tx.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: previous_version must reference an existing row
//
// Time columns hold RFC 3339 UTC strings, empty when unset. Properties are
// stored as canonical JSON with null entries omitted.
package store

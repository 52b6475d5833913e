// Package store is the SQLite document backend. It implements
// remote.Adapter over a single documents table.
//
// # Layout
//
// One row per document, keyed by (collection, id):
//   - grp: last segment of the collection path, for collection-group queries
//   - fields: canonical JSON (RFC 8785) of the document fields
//   - version: incremented on every write
//   - seq: arrival order, assigned on first insert and kept by overwrites
//
// Every query orders by seq so snapshots list documents in arrival order.
// Watch predicates compile to json_type/json_extract clauses; clauses that
// SQLite cannot evaluate exactly are applied in Go after the scan.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection: transactions serialize on it
//
// Changes are published through a remote.Hub after every commit.
package store

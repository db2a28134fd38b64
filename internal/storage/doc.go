// Package storage provides the durable key-value layer behind every
// scheduler instance.
//
// Values are opaque byte slices addressed by (namespace, key). A namespace is
// the routing key of one scheduler instance; Region binds a Store to it so an
// instance can only see its own keys.
//
// Drivers:
//   - "memory": in-process map (tests, throwaway runs)
//   - "file": one JSON snapshot per namespace (temp file + rename)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via pgxpool
package storage

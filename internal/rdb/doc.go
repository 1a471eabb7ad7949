// Package rdb reads and writes the subset of the Redis on-disk snapshot
// format this server actually produces and consumes: a string keyspace
// with optional per-key millisecond TTLs. It skips the DB selector and
// hash-table size opcodes; any other opcode or value type, such as those
// a full implementation would need for other value types, stops decoding
// with an error.
package rdb

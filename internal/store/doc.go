// Package store implements the three keyspaces a connection can read and
// write: strings (with TTL), lists (with FIFO blocking pop), and streams
// (with cross-key blocking read). Each keyspace is independently locked;
// a key name in one keyspace has no relationship to the same name in
// another, matching Redis's flat, type-tagged keyspace.
package store

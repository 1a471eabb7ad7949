// Package redis implements the per-connection side of the server: RESP
// decode/dispatch/encode loop, the command table, and the MULTI/EXEC
// transaction buffer. It is the component that calls into store, rdb,
// and replication on behalf of a connected client.
package redis

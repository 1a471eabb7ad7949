// Package replication implements the master and replica sides of this
// server's replication control plane: replica registration and
// write-command propagation on the master, and the PSYNC handshake plus
// apply-only loop on the replica.
package replication

// Package cow implements the copy-on-write mutation engine: every
// write appends new segments plus a fresh manifest to the single store
// file and flips the replicated root pointer. Readers work against
// immutable snapshots and are never blocked by writers.
package cow

// Package rvf implements an embedded, single-file vector store with
// append-only copy-on-write semantics.
//
// Everything lives in one file: vector blocks, tombstones, witness
// audit records, and the manifests that tie them together ride the
// same segment log. Mutations append new segments plus a fresh
// manifest and atomically flip a dual-slot root pointer; nothing is
// ever edited in place. A crash at any point leaves either the old or
// the new state, and a torn root pointer is repaired by scanning the
// log for the newest valid manifest.
//
// # Quick Start
//
//	ctx := context.Background()
//	store, _ := rvf.Open("./vectors.rvf", rvf.WithCreate(128, "l2"))
//	defer store.Close()
//
//	res, _ := store.Ingest(ctx, vectors)
//	hits, _ := store.Query(ctx, query, 10)
//	for i, id := range hits.IDs {
//	    fmt.Println(id, hits.Scores[i])
//	}
//
// # Concurrency Model
//
// One writer, many readers. Queries run against immutable snapshots
// and are never blocked by mutations; a snapshot pins the file handle
// it was taken from, so even a Vacuum file swap does not disturb
// in-flight readers. A process-level lock file keeps a second writer
// out.
//
// # Result Quality
//
// Every query result carries a quality envelope. The store may widen
// the probe count when the block centroid distribution looks
// degenerate, fall back to a bounded exhaustive re-scan through the
// safety net, or serve a reduced-effort result to a caller over its
// query budget. The envelope says which of these happened.
//
// # Maintenance
//
// Deletes are tombstones; Compact rewrites sparse blocks and
// consolidates tombstones, and Vacuum rewrites the file without its
// unreferenced bytes. Archive streams a consistent snapshot to a
// blobstore.ArchiveStore (local directory, S3, MinIO or in-memory)
// for off-machine backups.
package rvf

// Package manifest defines the authoritative mapping from logical
// pointers (vector-set root, index entry points, quantization
// dictionary, hot cache) to segment locations, plus the root pointer
// block and the recovery scan that make manifest flips crash-safe.
//
// The manifest is itself stored as a segment, so manifest history is
// retained automatically in the append-only log.
package manifest

// Package segment implements the immutable on-disk unit of RVF
// storage: a fixed checksummed header followed by an optionally
// compressed payload. Segments are only ever appended; mutation is
// expressed as a new segment plus a manifest update, never an in-place
// edit.
package segment

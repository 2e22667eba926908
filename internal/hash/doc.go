// Package hash provides checksum helpers used by the segment format.
//
// CRC32-Castagnoli is the default payload checksum: it is
// hardware-accelerated on amd64 and arm64 and detects the storage
// corruption patterns the format cares about. It is not a
// cryptographic hash; tamper evidence is out of scope here.
package hash

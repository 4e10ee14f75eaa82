// Package pool implements the storage pool (C1) and the chunk metadata
// index / root-offset ring (C2) from the design: it carves one or more
// direct-attached devices into fixed-size chunks, maintains the two
// redundant on-device metadata mirrors, and exposes append-only and
// random-access handles to the layers above it.
package pool

import "github.com/dustin/go-humanize"

// DiskPage is the fixed read/write granularity the whole pool aligns to.
const DiskPage = 4096

// ConventionalChunksPerDevice is the number of random-access chunks
// reserved at the front of every device for the twin metadata mirrors and
// externally provided boot state.
const ConventionalChunksPerDevice = 3

// Magic is the 4-byte footer magic identifying a device formatted for this
// pool.
const Magic = "MND0"

// FooterSize is the byte size of the tail-anchored per-device footer:
// 4-byte magic + 4-byte chunk capacity + 4-byte config hash, padded to a
// disk page so the footer and the byte-used counter array that precedes it
// stay page aligned.
const FooterSize = DiskPage

func humanBytes(n uint64) string { return humanize.Bytes(n) }

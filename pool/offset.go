package pool

import "fmt"

// PhysicalOffset addresses a byte position inside the pool: a 20-bit chunk
// id, a byte offset within that chunk, and a "pages to read" hint so a
// child can be fetched in one shot without a preamble read (§3, §4.4).
//
// Packed as a single uint64 for on-disk storage in a node's child table:
//
//	bits [0:40)  byte offset within the chunk (up to 1 TiB/chunk)
//	bits [40:60) chunk id (20 bits)
//	bits [60:64) pages-to-read hint, 1..15 (0 on the wire means "1")
//
// §3 and §4.4 describe slightly different bit budgets for this word (a
// "u32-with-reserved-spare-bits" offset vs. "44 bits byte-offset"); this
// implementation reconciles them into one consistent 64-bit layout with
// room left for the hint, which both passages agree must live in the
// upper bits of the word.
type PhysicalOffset struct {
	ChunkID      uint32
	ByteOffset   uint64
	PagesToRead  uint8
}

const (
	physOffsetBits = 40
	physChunkBits  = 20
	physOffsetMask = (uint64(1) << physOffsetBits) - 1
	physChunkMask  = (uint64(1) << physChunkBits) - 1
	// MaxChunkID is the largest representable chunk id (20 bits).
	MaxChunkID = uint32(physChunkMask)
)

// InvalidPhysicalOffset is the all-ones sentinel written into a retired
// root-offset ring slot (§3 "Root-offset ring").
var InvalidPhysicalOffset = PhysicalOffset{ChunkID: MaxChunkID, ByteOffset: physOffsetMask, PagesToRead: 0xF}

// Pack encodes the offset into its on-disk uint64 form.
func (p PhysicalOffset) Pack() uint64 {
	hint := uint64(p.PagesToRead)
	if hint == 0 {
		hint = 1
	}
	return (p.ByteOffset & physOffsetMask) |
		((uint64(p.ChunkID) & physChunkMask) << physOffsetBits) |
		(hint << (physOffsetBits + physChunkBits))
}

// UnpackPhysicalOffset decodes a packed on-disk word.
func UnpackPhysicalOffset(w uint64) PhysicalOffset {
	return PhysicalOffset{
		ByteOffset:  w & physOffsetMask,
		ChunkID:     uint32((w >> physOffsetBits) & physChunkMask),
		PagesToRead: uint8(w >> (physOffsetBits + physChunkBits)),
	}
}

// IsInvalid reports whether this is the all-ones sentinel.
func (p PhysicalOffset) IsInvalid() bool { return p == InvalidPhysicalOffset }

// PageAligned rounds ByteOffset down to the DiskPage boundary containing
// it, returning the aligned offset and the intra-page delta that a reader
// must subtract back out (§4.4 "Readers round the physical offset down to
// DISK_PAGE").
func (p PhysicalOffset) PageAligned() (aligned PhysicalOffset, delta uint64) {
	rem := p.ByteOffset % DiskPage
	aligned = p
	aligned.ByteOffset -= rem
	return aligned, rem
}

func (p PhysicalOffset) String() string {
	return fmt.Sprintf("phys(chunk=%d,off=%d,hint=%d)", p.ChunkID, p.ByteOffset, p.PagesToRead)
}

// ListTag identifies which of the three intrusive chunk lists a chunk
// currently belongs to (§3 "Invariant: ... every sequential chunk is in
// exactly one of three intrusive lists").
type ListTag uint8

const (
	ListFree ListTag = iota
	ListFast
	ListSlow
)

func (t ListTag) String() string {
	switch t {
	case ListFree:
		return "free"
	case ListFast:
		return "fast"
	case ListSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// VirtualOffset is the monotonic identifier used as the node-cache key and
// as the compaction-order key (§3). It survives chunk reuse because it is
// keyed by insertion count rather than chunk id: once a chunk is freed and
// reused its insertion count strictly increases, so any VirtualOffset
// computed before the reuse compares as strictly older.
type VirtualOffset struct {
	InsertionCount uint32 // 20-bit value assigned when the chunk joined its list
	ByteOffset     uint32 // offset within the chunk
	List           ListTag
}

// Less implements the "older than" total order defined in §3: ordered by
// insertion count, then by byte offset within the chunk.
func (v VirtualOffset) Less(o VirtualOffset) bool {
	if v.InsertionCount != o.InsertionCount {
		return v.InsertionCount < o.InsertionCount
	}
	return v.ByteOffset < o.ByteOffset
}

func (v VirtualOffset) String() string {
	return fmt.Sprintf("virt(ic=%d,off=%d,list=%s)", v.InsertionCount, v.ByteOffset, v.List)
}

package pool

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/ethertrie/mptdb/internal/fail"
)

// metadataMirror is one of the two redundant on-device copies described in
// §3/§4.2: the fast/slow write frontiers, the compaction frontiers, the
// version bounds and the root-offset ring, all mmap'd at the head of a
// conventional chunk. The chunk-info table and the three intrusive lists
// are not stored in the mirror; they live in memory on Index. The dirty bit is raised
// before any edit and cleared once both copies agree (§5 "The dirty flag on
// metadata is raised before any edit and cleared after both copies are
// updated").
type metadataMirror struct {
	region mmap.MMap // raw mmap'd bytes backing this copy
	dirty  bool
}

const (
	mdOffDirty      = 0
	mdOffFastOffset = 8
	mdOffSlowOffset = 16
	mdOffCompactFast = 24
	mdOffCompactSlow = 32
	mdOffMaxVersion  = 40
	mdOffMinVersion  = 48
	mdOffHasAny      = 56
	mdOffRingStart   = 64
)

func (m *metadataMirror) setDirty(v bool) {
	m.dirty = v
	if v {
		m.region[mdOffDirty] = 1
	} else {
		m.region[mdOffDirty] = 0
	}
}

func (m *metadataMirror) isDirty() bool { return m.region[mdOffDirty] != 0 }

func (m *metadataMirror) getU64(off int) uint64 {
	return binary.LittleEndian.Uint64(m.region[off : off+8])
}

func (m *metadataMirror) putU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(m.region[off:off+8], v)
}

// Index holds the two mirrors, the in-memory chunk table they describe, and
// the root-offset ring. Writers and readers (ReadRoot included) both take
// mu; there is no lock-free read path. The double-buffering and dirty-flag
// protocol of §4.2/§5 guards the on-device copies against a crash
// mid-update.
type Index struct {
	mu sync.Mutex

	front, back *metadataMirror

	chunks []*chunkInfo
	Free   *chunkList
	Fast   *chunkList
	Slow   *chunkList

	fastOffset, slowOffset               uint64
	compactOffsetFast, compactOffsetSlow VirtualOffset
	nextInsertionCount                   uint32

	Ring *RootRing
}

// OpenIndex maps the two metadata regions and recovers from a crash between
// them, per §4.2's recovery protocol.
func OpenIndex(primary, secondary mmap.MMap, allowDirty bool, ringWindow int) (*Index, error) {
	idx := &Index{
		front: &metadataMirror{region: primary},
		back:  &metadataMirror{region: secondary},
		Free:  newChunkList(ListFree),
		Fast:  newChunkList(ListFast),
		Slow:  newChunkList(ListSlow),
	}

	fd, bd := idx.front.isDirty(), idx.back.isDirty()
	switch {
	case !fd && !bd:
		// Both clean; they must already be identical. Use front.
	case fd && !bd:
		// Front was mid-mutation when the crash happened; back is the
		// last durably-committed state. Discard front's partial write by
		// overwriting it from back (§4.2 "If one is dirty, overwrite it
		// from the clean one").
		idx.healFromTo(idx.front, idx.back)
	case !fd && bd:
		idx.healFromTo(idx.back, idx.front)
	default:
		if !idx.waitForClear(time.Second) {
			if !allowDirty {
				return nil, fmt.Errorf("pool: both metadata mirrors dirty and allow-dirty not set")
			}
			// Heal path for allow-dirty: treat front as authoritative and
			// repair back from it via the same copy-on-write-style mirror
			// used by a normal commit.
			idx.healFromTo(idx.back, idx.front)
		}
	}

	idx.Ring = openRootRing(idx.front, ringWindow)
	idx.loadFrontierState()
	return idx, nil
}

func (idx *Index) waitForClear(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !idx.front.isDirty() || !idx.back.isDirty() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// healFromTo copies the clean `from` mirror's raw bytes over the dirty `to`
// mirror, then clears `to`'s dirty bit (§4.2 "If one is dirty, overwrite it
// from the clean one").
func (idx *Index) healFromTo(to, from *metadataMirror) {
	copy(to.region, from.region)
	to.setDirty(false)
}

func (idx *Index) loadFrontierState() {
	idx.fastOffset = idx.front.getU64(mdOffFastOffset)
	idx.slowOffset = idx.front.getU64(mdOffSlowOffset)
	idx.compactOffsetFast = VirtualOffset{InsertionCount: uint32(idx.front.getU64(mdOffCompactFast) >> 32), ByteOffset: uint32(idx.front.getU64(mdOffCompactFast)), List: ListFast}
	idx.compactOffsetSlow = VirtualOffset{InsertionCount: uint32(idx.front.getU64(mdOffCompactSlow) >> 32), ByteOffset: uint32(idx.front.getU64(mdOffCompactSlow)), List: ListSlow}
}

// withDirtyGuard performs mutate against the front copy under the dirty
// flag, mirrors the result to back, then clears dirty on both — the
// "dirty guard" protocol of §4.2: "performed under a dirty guard on the
// front copy first, then mirrored to the back copy, then the dirty bit is
// cleared."
func (idx *Index) withDirtyGuard(mutate func()) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.front.setDirty(true)
	mutate()
	copy(idx.back.region, idx.front.region)
	idx.front.setDirty(false)
	idx.back.setDirty(false)
}

// AllocateChunk moves a chunk from Free onto Fast or Slow, assigning it the
// next insertion count, and returns its index. Fatal (out-of-space abort,
// §4.6) if Free is empty.
func (idx *Index) AllocateChunk(dest ListTag) int32 {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id := idx.Free.popHead(idx.chunks)
	if id == nilChunk {
		fail.Fatal(errors.New("free list exhausted"), "pool: out of space")
	}
	idx.nextInsertionCount++
	switch dest {
	case ListFast:
		idx.Fast.pushTail(idx.chunks, id, idx.nextInsertionCount)
	case ListSlow:
		idx.Slow.pushTail(idx.chunks, id, idx.nextInsertionCount)
	default:
		panic("pool: AllocateChunk destination must be fast or slow")
	}
	return id
}

// ReleaseChunk moves a fully-retired chunk (already trimmed to zero bytes,
// §4.7 "Chunk release") off of from and back onto Free.
func (idx *Index) ReleaseChunk(from ListTag, id int32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.listByTag(from).remove(idx.chunks, id)
	idx.nextInsertionCount++
	idx.Free.pushTail(idx.chunks, id, idx.nextInsertionCount)
}

func (idx *Index) listByTag(tag ListTag) *chunkList {
	switch tag {
	case ListFast:
		return idx.Fast
	case ListSlow:
		return idx.Slow
	default:
		return idx.Free
	}
}

// OldestChunk returns the head of list — the oldest chunk still on it by
// insertion count — which is the retiring end the compactor's frontier
// reaches first (§4.7 "Chunk release").
func (idx *Index) OldestChunk(list ListTag) (id int32, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id = idx.listByTag(list).head
	return id, id != nilChunk
}

// AdvanceOffsets atomically advances the fast/slow write frontiers and
// appends the new root offset to the ring, all under one dirty-guard pass,
// so the commit is indivisible from a reader's perspective (§4.6
// "advance_db_offsets_to writes both metadata copies under the dirty
// guard").
func (idx *Index) AdvanceOffsets(version uint64, root PhysicalOffset, fastOffset, slowOffset uint64) {
	idx.withDirtyGuard(func() {
		idx.fastOffset = fastOffset
		idx.slowOffset = slowOffset
		idx.front.putU64(mdOffFastOffset, fastOffset)
		idx.front.putU64(mdOffSlowOffset, slowOffset)
		idx.Ring.append(idx.front, version, root)
	})
}

// SetCompactionFrontiers records new compaction watermarks (§4.7), under
// the same dirty-guard discipline.
func (idx *Index) SetCompactionFrontiers(fast, slow VirtualOffset) {
	idx.withDirtyGuard(func() {
		idx.compactOffsetFast = fast
		idx.compactOffsetSlow = slow
		idx.front.putU64(mdOffCompactFast, uint64(fast.InsertionCount)<<32|uint64(fast.ByteOffset))
		idx.front.putU64(mdOffCompactSlow, uint64(slow.InsertionCount)<<32|uint64(slow.ByteOffset))
	})
}

func (idx *Index) CompactionFrontiers() (fast, slow VirtualOffset) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.compactOffsetFast, idx.compactOffsetSlow
}

func (idx *Index) FastOffset() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.fastOffset
}

func (idx *Index) SlowOffset() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.slowOffset
}

// ReadRoot returns the physical root offset for version v, if it is still
// within the version window and has not been invalidated (§6
// "read_root_for_version(v) → root_handle | none").
func (idx *Index) ReadRoot(v uint64) (PhysicalOffset, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.Ring.Read(idx.front, v)
}

// InvalidateVersion writes the all-ones sentinel into v's slot, retiring it
// (§4.2 "update(v, offset) used to invalidate a version").
func (idx *Index) InvalidateVersion(v uint64) {
	idx.withDirtyGuard(func() {
		idx.Ring.Update(idx.front, v, InvalidPhysicalOffset)
	})
}

// UpdateRoot overwrites v's slot with a new physical root offset without
// otherwise touching the ring's bounds, used by the compactor (§4.7) after
// relocating the nodes a still-retained version's root reaches.
func (idx *Index) UpdateRoot(v uint64, p PhysicalOffset) {
	idx.withDirtyGuard(func() {
		idx.Ring.Update(idx.front, v, p)
	})
}

// MoveVersionForward renumbers src onto dest without copying trie data,
// per the supplemented commit-interface operation of SPEC_FULL.md: it
// copies the root-offset ring slot for src into dest's slot and fast
// forwards the ring.
func (idx *Index) MoveVersionForward(src, dest uint64) bool {
	idx.mu.Lock()
	root, ok := idx.Ring.Read(idx.front, src)
	idx.mu.Unlock()
	if !ok {
		return false
	}
	idx.withDirtyGuard(func() {
		idx.Ring.FastForwardNextVersion(idx.front, dest, root)
	})
	return true
}

// MaxVersion/MinValidVersion expose the ring's version bounds (§6).
func (idx *Index) MaxVersion() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.Ring.MaxVersion()
}

func (idx *Index) MinValidVersion() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.Ring.MinValidVersion()
}

// ChunkInsertionCount exposes the insertion count of an arbitrary chunk
// index, used by the compactor to compare a node's VirtualOffset against a
// chunk's position.
func (idx *Index) ChunkInsertionCount(id int32) uint32 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.chunks[id].InsertionCount()
}

// ActiveChunk returns the tail chunk of the requested list — the chunk
// new writes append into until it fills, per §3's append-only chunk
// lists. ok is false if the list is currently empty (the caller must
// AllocateChunk first).
func (idx *Index) ActiveChunk(list ListTag) (id int32, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	switch list {
	case ListFast:
		id = idx.Fast.tail
	case ListSlow:
		id = idx.Slow.tail
	default:
		return nilChunk, false
	}
	return id, id != nilChunk
}

// ListLengths reports the current fast/slow chunk counts, used by the
// update engine's writer-routing policy to compare the slow/fast ratio
// against its configured target (§4.6 "unless the slow/fast list-length
// ratio would exceed the recorded target").
func (idx *Index) ListLengths() (fast, slow int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.Fast.Len(), idx.Slow.Len()
}

// VirtualOffsetOf computes the VirtualOffset for a physical offset,
// combining the owning chunk's current insertion count with the
// within-chunk byte offset (§3 "Virtual offset").
func (idx *Index) VirtualOffsetOf(p PhysicalOffset) VirtualOffset {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	list := idx.chunks[p.ChunkID].list
	return VirtualOffset{
		InsertionCount: idx.chunks[p.ChunkID].InsertionCount(),
		ByteOffset:     uint32(p.ByteOffset),
		List:           list,
	}
}

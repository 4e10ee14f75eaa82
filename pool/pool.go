package pool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Pool is the storage pool (C1): it maps one or more backing devices to
// uniformly sized chunks, owns the chunk metadata index (C2), and issues
// read/write activation handles to the layers above it.
type Pool struct {
	cfg     Config
	devices []*device
	Index   *Index

	mu         sync.Mutex
	activeByID map[uuid.UUID]*ChunkHandle

	// chunkDevice[i] is the device index owning sequential chunk i
	// (post-interleaving layout).
	chunkDevice []int
}

// Open opens (and, on ModeTruncate, formats) a pool across cfg.DevicePaths.
func Open(cfg Config, ringWindow int) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sizes := make([]int64, len(cfg.DevicePaths))
	for i, p := range cfg.DevicePaths {
		sizes[i] = probeSize(p)
	}
	hash := configHash(cfg.DevicePaths, sizes, cfg.ChunkCapacity())

	p := &Pool{cfg: cfg, activeByID: map[uuid.UUID]*ChunkHandle{}}
	for _, path := range cfg.DevicePaths {
		d, err := openDevice(path, cfg, hash)
		if err != nil {
			p.closeAll()
			return nil, err
		}
		p.devices = append(p.devices, d)
	}

	idx, err := p.openIndex(ringWindow)
	if err != nil {
		p.closeAll()
		return nil, err
	}
	p.Index = idx

	if cfg.Mode == ModeTruncate {
		p.layoutChunks()
	}

	return p, nil
}

func probeSize(path string) int64 {
	// Best-effort: a freshly-truncated/created file may not exist yet at
	// config-hash computation time in some callers' workflows; 0 is a
	// stable placeholder that still participates in the hash.
	var sz int64
	if fi, err := statSize(path); err == nil {
		sz = fi
	}
	return sz
}

func (p *Pool) openIndex(ringWindow int) (*Index, error) {
	if len(p.devices) == 0 {
		return nil, fmt.Errorf("pool: no devices")
	}
	d0 := p.devices[0]
	metaLen := mdOffRingStart + ringWindow*slotSize
	if metaLen < DiskPage {
		metaLen = DiskPage
	}
	primary, err := d0.mmapRegion(0, metaLen, !p.cfg.OpenReadOnly)
	if err != nil {
		return nil, err
	}
	secondary, err := d0.mmapRegion(int64(metaLen), metaLen, !p.cfg.OpenReadOnly)
	if err != nil {
		return nil, err
	}
	return OpenIndex(primary, secondary, p.cfg.OpenReadOnlyAllowDirty, ringWindow)
}

// layoutChunks assigns sequential chunks to devices using the interleaving
// algorithm of §4.1 when requested, otherwise lays them out device by
// device in order, and populates the free list.
func (p *Pool) layoutChunks() {
	counts := make([]uint32, len(p.devices))
	for i, d := range p.devices {
		counts[i] = d.seqChunkCount
	}

	var order []int
	if p.cfg.InterleaveChunksEvenly && len(p.devices) > 1 {
		order = newInterleaver(counts).Sequence()
	} else {
		for i, c := range counts {
			for j := uint32(0); j < c; j++ {
				order = append(order, i)
			}
		}
	}

	perDevicePos := make([]uint32, len(p.devices))
	p.Index.chunks = make([]*chunkInfo, 0, len(order))
	p.chunkDevice = make([]int, 0, len(order))
	for _, devIdx := range order {
		pos := perDevicePos[devIdx]
		perDevicePos[devIdx]++
		ci := &chunkInfo{kind: kindSequential, device: uint16(devIdx), position: pos + ConventionalChunksPerDevice}
		id := int32(len(p.Index.chunks))
		p.Index.chunks = append(p.Index.chunks, ci)
		p.chunkDevice = append(p.chunkDevice, devIdx)
		p.Index.nextInsertionCount++
		p.Index.Free.pushTail(p.Index.chunks, id, p.Index.nextInsertionCount)
	}
}

func (p *Pool) closeAll() {
	for _, d := range p.devices {
		_ = d.Close()
	}
}

// Close releases all device descriptors.
func (p *Pool) Close() error {
	p.closeAll()
	return nil
}

// ChunkHandle is a shared activation handle for one chunk: a read fd, a
// write fd (may alias the read fd), the chunk's byte offset within its
// device, and its capacity (§4.1 "activate_chunk(list, id) → handle").
// The last drop of a ChunkHandle's reference count releases no OS resource
// directly (the underlying *device stays open for the pool's lifetime),
// but the handle itself stops being tracked in the activation table.
type ChunkHandle struct {
	ID       uuid.UUID
	ChunkID  int32
	Device   *device
	ByteBase int64 // byte offset of this chunk within its device
	Capacity uint64

	pool *Pool
}

// ActivateChunk hands out a handle for chunkID on the given list (§4.1).
func (p *Pool) ActivateChunk(list ListTag, chunkID int32) (*ChunkHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if chunkID < 0 || int(chunkID) >= len(p.Index.chunks) {
		return nil, fmt.Errorf("pool: invalid chunk id %d", chunkID)
	}
	ci := p.Index.chunks[chunkID]
	dev := p.devices[ci.device]
	h := &ChunkHandle{
		ID:       uuid.New(),
		ChunkID:  chunkID,
		Device:   dev,
		ByteBase: int64(ci.position) * int64(p.cfg.ChunkCapacity()),
		Capacity: p.cfg.ChunkCapacity(),
		pool:     p,
	}
	p.activeByID[h.ID] = h
	return h, nil
}

// Release drops the handle from the activation table. Pool deduplicates
// file descriptors at the device layer, so handles never individually own
// a descriptor to close.
func (h *ChunkHandle) Release() {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	delete(h.pool.activeByID, h.ID)
}

// WriteFD atomically reserves nBytes against the chunk's byte-used counter
// for an append-only chunk and returns the absolute device byte offset to
// write at (§4.1 "write_fd(n_bytes)").
func (h *ChunkHandle) WriteFD(nBytes uint32) (absoluteOffset int64, ok bool) {
	ci := h.pool.Index.chunks[h.ChunkID]
	pos, ok := ci.reserve(nBytes, uint32(h.Capacity))
	if !ok {
		return 0, false
	}
	return h.ByteBase + int64(pos), true
}

// Fd returns the raw file descriptor of the device backing this chunk,
// for submitting reads/writes through the async I/O executor (§4.3):
// ChunkOffset addresses a chunk by (fd, within-device byte offset), not
// by ChunkHandle, since the executor's ring lives below the pool layer.
func (h *ChunkHandle) Fd() int { return h.Device.fd() }

// ReadAt performs a synchronous read at a byte offset within the chunk
// (the async executor issues its own reads through the I/O rings).
func (h *ChunkHandle) ReadAt(buf []byte, withinChunk int64) (int, error) {
	return h.Device.readAt(buf, h.ByteBase+withinChunk)
}

// WriteAt performs a synchronous write at an absolute device offset
// previously returned by WriteFD.
func (h *ChunkHandle) WriteAt(buf []byte, absoluteOffset int64) (int, error) {
	return h.Device.writeAt(buf, absoluteOffset)
}

// TryTrimContents lowers the chunk's byte-used counter to keepBytes and,
// with a read-modify-zero-write, zeroes the rest of the final partial page
// (§4.1). The bytes past that page are not hole-punched, discarded or
// zeroed; they stay on the device as they were.
func (h *ChunkHandle) TryTrimContents(keepBytes uint32) error {
	ci := h.pool.Index.chunks[h.ChunkID]
	if rem := keepBytes % DiskPage; rem != 0 {
		page := make([]byte, DiskPage)
		pageStart := int64(keepBytes - rem)
		if _, err := h.Device.readAt(page, h.ByteBase+pageStart); err != nil {
			return err
		}
		for i := rem; i < DiskPage; i++ {
			page[i] = 0
		}
		if _, err := h.Device.writeAt(page, h.ByteBase+pageStart); err != nil {
			return err
		}
	}
	ci.trimTo(keepBytes)
	return nil
}

// CloneContentsInto copies up to n bytes from h into dst. The kernel
// copy-offload fast path (copy_file_range) is attempted first for every
// pair of handles; if it fails, the copy falls back to the simplest
// portable path (read-then-write).
func (h *ChunkHandle) CloneContentsInto(dst *ChunkHandle, srcOff, dstOff int64, n int64) error {
	if err := tryCopyFileRange(h.Device, dst.Device, h.ByteBase+srcOff, dst.ByteBase+dstOff, n); err == nil {
		return nil
	}
	buf := make([]byte, 1<<20)
	var copied int64
	for copied < n {
		want := int64(len(buf))
		if n-copied < want {
			want = n - copied
		}
		rn, err := h.Device.readAt(buf[:want], h.ByteBase+srcOff+copied)
		if err != nil {
			return err
		}
		if _, err := dst.Device.writeAt(buf[:rn], dst.ByteBase+dstOff+copied); err != nil {
			return err
		}
		copied += int64(rn)
	}
	return nil
}

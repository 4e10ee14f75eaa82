package mpt

import (
	"github.com/pkg/errors"

	"github.com/ethertrie/mptdb/ioexec"
	"github.com/ethertrie/mptdb/node"
	"github.com/ethertrie/mptdb/pool"
)

// maxPagesToRead is the largest value the 4-bit pages-to-read hint can
// carry (§4.4's packed offset word reserves its top 4 bits for this).
const maxPagesToRead = 15

// readNode fetches and decodes the node at p, consulting the node cache
// first. A cache hit needs no I/O; a miss submits through the I/O
// executor (C3/C4) and blocks this call until the completion fires,
// growing the read once per retry if the stored pages-to-read hint
// turns out too small (the hint is advisory, not a hard bound).
func (db *Database) readNode(p pool.PhysicalOffset) (*node.Node, error) {
	vo := db.pool.Index.VirtualOffsetOf(p)
	if n, ok := db.cache.Find(vo); ok {
		return n, nil
	}

	var (
		result *node.Node
		rerr   error
		done   bool
	)
	if err := db.submitNodeRead(p, ioexec.PriorityNormal, func(n *node.Node, err error) {
		result, rerr, done = n, err, true
	}); err != nil {
		return nil, err
	}
	if err := db.io.Flush(); err != nil {
		return nil, err
	}
	for !done {
		if _, err := db.io.Poll(ioexec.PollBlocking); err != nil {
			return nil, err
		}
	}
	return result, rerr
}

// submitNodeRead is readNode's non-blocking half: it assumes the cache
// has already been checked, issues the read through db.io, and invokes
// cb once the node is decoded (or the attempt fails) on whatever
// completion pass — local or drained via a caller's own Poll loop —
// eventually runs it. Callers that need the result synchronously (like
// readNode) poll until their own callback marks itself done; callers
// that can overlap several reads (TraverseParallel) issue many of these
// before polling at all, which is what actually gives §4.8's "bounded
// outstanding I/O" concurrency teeth (§4.3: only the owning thread may
// submit or poll, so that thread does all the overlapping itself rather
// than fanning reads out across goroutines).
func (db *Database) submitNodeRead(p pool.PhysicalOffset, prio ioexec.Priority, cb func(*node.Node, error)) error {
	if p.IsInvalid() {
		cb(nil, errors.New("mpt: read of invalid physical offset"))
		return nil
	}

	vo := db.pool.Index.VirtualOffsetOf(p)
	aligned, delta := p.PageAligned()
	pages := int(p.PagesToRead)
	if pages == 0 {
		pages = 1
	}

	h, err := db.pool.ActivateChunk(vo.List, int32(p.ChunkID))
	if err != nil {
		return err
	}

	var attempt func(pages int) error
	attempt = func(pages int) error {
		size := int(delta) + pages*pool.DiskPage
		co := ioexec.ChunkOffset{Fd: h.Fd(), Offset: uint64(h.ByteBase) + aligned.ByteOffset}
		return db.io.SubmitShortRead(co, size, prio, nil, func(res ioexec.Result) {
			if res.Err != nil {
				h.Release()
				cb(nil, errors.Wrap(res.Err, "mpt: read node"))
				return
			}
			n, decErr := node.Decode(res.Buf[delta:res.N])
			if decErr == nil {
				h.Release()
				db.cache.Insert(vo, n)
				cb(n, nil)
				return
			}
			if pages >= maxPagesToRead {
				h.Release()
				cb(nil, errors.Wrap(decErr, "mpt: decode node"))
				return
			}
			if err := attempt(pages + 1); err != nil {
				h.Release()
				cb(nil, err)
			}
		})
	}
	if err := attempt(pages); err != nil {
		h.Release()
		return err
	}
	return nil
}

// writeNode encodes n and appends it to the tail of list, allocating a
// fresh chunk if the current tail is full, and returns the physical
// offset the node was written at. When decision.CacheThisNode is set,
// the node is also inserted into the node cache.
func (db *Database) writeNode(n *node.Node, list pool.ListTag, decision NodeDecision) (pool.PhysicalOffset, error) {
	buf, err := node.Encode(n)
	if err != nil {
		return pool.PhysicalOffset{}, err
	}

	chunkID, ok := db.pool.Index.ActiveChunk(list)
	if !ok {
		chunkID = db.pool.Index.AllocateChunk(list)
	}

	h, err := db.pool.ActivateChunk(list, chunkID)
	if err != nil {
		return pool.PhysicalOffset{}, err
	}
	defer h.Release()

	off, ok := h.WriteFD(uint32(len(buf)))
	if !ok {
		chunkID = db.pool.Index.AllocateChunk(list)
		h2, err := db.pool.ActivateChunk(list, chunkID)
		if err != nil {
			return pool.PhysicalOffset{}, err
		}
		defer h2.Release()
		off, ok = h2.WriteFD(uint32(len(buf)))
		if !ok {
			return pool.PhysicalOffset{}, errors.Errorf("mpt: node of %d bytes exceeds chunk capacity", len(buf))
		}
		h = h2
	}

	if err := db.writeThroughRing(h, off, buf); err != nil {
		return pool.PhysicalOffset{}, errors.Wrap(err, "mpt: write node")
	}

	within := uint64(off) - uint64(h.ByteBase)
	pageStart := within - within%pool.DiskPage
	pages := (within - pageStart + uint64(len(buf)) + pool.DiskPage - 1) / pool.DiskPage
	if pages > maxPagesToRead {
		pages = maxPagesToRead
	}
	if pages == 0 {
		pages = 1
	}

	p := pool.PhysicalOffset{ChunkID: uint32(chunkID), ByteOffset: within, PagesToRead: uint8(pages)}

	if decision.CacheThisNode {
		vo := db.pool.Index.VirtualOffsetOf(p)
		db.cache.Insert(vo, n)
	}

	return p, nil
}

// writeThroughRing submits buf to the executor's write ring at
// absoluteOffset (§2 "writes rebuilt nodes through the write ring").
// Node writes pack tightly at arbitrary byte offsets within a chunk
// (§4.1's append-only byte-usage counter), but submit_write requires a
// DISK_PAGE-aligned chunk_offset (§4.3), so this rounds down to the
// containing page(s), reads back whatever neighboring bytes an earlier
// append already placed there, splices buf in at its offset, and writes
// the whole span back. Append-only + single-writer-per-chunk (every
// caller holds db.mu for the call's duration) makes this safe: nothing
// else can be appending into the same page concurrently.
func (db *Database) writeThroughRing(h *pool.ChunkHandle, absoluteOffset int64, buf []byte) error {
	within := absoluteOffset - h.ByteBase
	pageStart := within - within%pool.DiskPage
	pageEnd := within + int64(len(buf))
	if rem := pageEnd % pool.DiskPage; rem != 0 {
		pageEnd += pool.DiskPage - rem
	}

	page := make([]byte, pageEnd-pageStart)
	if pageStart < within {
		if err := db.ioReadAt(h, h.ByteBase+pageStart, page[:within-pageStart]); err != nil {
			return err
		}
	}
	copy(page[within-pageStart:], buf)

	co := ioexec.ChunkOffset{Fd: h.Fd(), Offset: uint64(h.ByteBase + pageStart)}
	return db.ioSyncWrite(co, page)
}

// ioReadAt performs a single blocking, page-aligned read of exactly
// len(out) bytes through the executor, used by writeThroughRing's
// read-modify-write splice.
func (db *Database) ioReadAt(h *pool.ChunkHandle, absoluteOffset int64, out []byte) error {
	co := ioexec.ChunkOffset{Fd: h.Fd(), Offset: uint64(absoluteOffset)}

	var (
		res  ioexec.Result
		done bool
	)
	if err := db.io.SubmitShortRead(co, len(out), ioexec.PriorityNormal, nil, func(r ioexec.Result) {
		res, done = r, true
	}); err != nil {
		return err
	}
	if err := db.io.Flush(); err != nil {
		return err
	}
	for !done {
		if _, err := db.io.Poll(ioexec.PollBlocking); err != nil {
			return err
		}
	}
	if res.Err != nil {
		return res.Err
	}
	copy(out, res.Buf[:res.N])
	return nil
}

// ioSyncWrite submits buf through the executor's write ring and blocks
// until the completion fires.
func (db *Database) ioSyncWrite(co ioexec.ChunkOffset, buf []byte) error {
	var (
		res  ioexec.Result
		done bool
	)
	if err := db.io.SubmitWrite(co, buf, ioexec.PriorityNormal, func(r ioexec.Result) {
		res, done = r, true
	}); err != nil {
		return err
	}
	if err := db.io.Flush(); err != nil {
		return err
	}
	for !done {
		if _, err := db.io.Poll(ioexec.PollBlocking); err != nil {
			return err
		}
	}
	return res.Err
}

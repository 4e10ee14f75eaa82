package mpt

import (
	"github.com/ethertrie/mptdb/pool"
)

// compactor implements C8 (§4.7): it tracks the fast/slow compaction
// frontiers, advances them after each commit, relocates any reachable
// node that has fallen behind its list's frontier, and releases chunks
// once their contents have all been relocated out.
type compactor struct {
	db    *Database
	ratio float64 // target slow/fast list-length ratio
}

func newCompactor(db *Database, ratio float64) *compactor {
	return &compactor{db: db, ratio: ratio}
}

// runAfterCommit advances the compaction frontiers and relocates any
// node, reachable from any currently retained version's root, that now
// lies behind them. Walking every retained root (not just the version
// just committed) keeps every version in the window readable even after
// its nodes move — §4.7 only requires "every key still readable from the
// latest root" (S4), but the version window (§3/§5) promises every
// retained root stays valid, so relocation must not strand older roots.
func (c *compactor) runAfterCommit() {
	fastFrontier, slowFrontier := c.advanceFrontiers()

	minV := c.db.pool.Index.MinValidVersion()
	maxV := c.db.pool.Index.MaxVersion()

	for v := minV; v <= maxV; v++ {
		root, ok := c.db.pool.Index.ReadRoot(v)
		if !ok {
			continue
		}
		newRoot, changed, err := c.relocate(root, fastFrontier, slowFrontier)
		fatalOnIOError(err)
		if changed {
			c.db.pool.Index.UpdateRoot(v, newRoot)
		}
	}

	c.releaseDrainedChunks()
}

// advanceFrontiers grows compact_offset_fast/slow by a fixed step of one
// insertion count, or four when freeListUtilization (the slow/fast list
// length ratio) exceeds 0.8. The step does not depend on how far the
// write frontiers have grown.
func (c *compactor) advanceFrontiers() (fast, slow pool.VirtualOffset) {
	idx := c.db.pool.Index

	curFast, curSlow := idx.CompactionFrontiers()

	step := uint32(1)
	if c.freeListUtilization() > 0.8 {
		step = 4
	}

	fast = pool.VirtualOffset{InsertionCount: curFast.InsertionCount + step, List: pool.ListFast}
	slow = pool.VirtualOffset{InsertionCount: curSlow.InsertionCount + step, List: pool.ListSlow}

	idx.SetCompactionFrontiers(fast, slow)
	return fast, slow
}

func (c *compactor) freeListUtilization() float64 {
	// A cheap proxy: compare current fast/slow list lengths against the
	// configured target ratio rather than tracking total chunk counts
	// directly, since Index does not expose the free list's length to
	// this package (it is pool-internal bookkeeping, §3).
	fastLen, slowLen := c.db.pool.Index.ListLengths()
	if fastLen == 0 {
		return 0
	}
	return float64(slowLen) / float64(fastLen)
}

// relocate recursively rewrites any reachable node whose virtual offset
// lies below its list's compaction frontier, updating children that
// moved transitively (§4.7 "Children still pointing into the retiring
// region are updated transitively").
func (c *compactor) relocate(offset pool.PhysicalOffset, fastFrontier, slowFrontier pool.VirtualOffset) (pool.PhysicalOffset, bool, error) {
	if offset.IsInvalid() {
		return offset, false, nil
	}

	cached, err := c.db.readNode(offset)
	if err != nil {
		return offset, false, err
	}

	// readNode may return the cache's shared *node.Node; relocate's
	// rewritten children must not land on that shared copy, since other
	// retained roots walked by runAfterCommit's loop over every version
	// may still reference it under its old virtual offset. node.Node's
	// Children/HasChild are fixed-size arrays, so copying the struct
	// value is a full deep copy of them (Path/Value/Hash are read, never
	// mutated here, so sharing their backing slices is safe).
	n := *cached

	childChanged := false
	for i := 0; i < 16; i++ {
		if !n.HasChild[i] {
			continue
		}
		newChild, changed, err := c.relocate(n.Children[i], fastFrontier, slowFrontier)
		if err != nil {
			return offset, false, err
		}
		if changed {
			n.Children[i] = newChild
			childChanged = true
		}
	}

	vo := c.db.pool.Index.VirtualOffsetOf(offset)
	belowFrontier := c.behindFrontier(vo, fastFrontier, slowFrontier)

	if !belowFrontier && !childChanged {
		return offset, false, nil
	}

	dest := c.routeDestination()
	decision := c.db.stateMachine.Decide(-1, 0) // compaction relocation carries no upsert depth/tag context
	newOffset, err := c.db.writeNode(&n, dest, decision)
	if err != nil {
		return offset, false, err
	}
	return newOffset, true, nil
}

func (c *compactor) behindFrontier(vo, fastFrontier, slowFrontier pool.VirtualOffset) bool {
	if vo.List == pool.ListSlow {
		return vo.InsertionCount < slowFrontier.InsertionCount
	}
	return vo.InsertionCount < fastFrontier.InsertionCount
}

// routeDestination picks slow until the slow/fast list length ratio
// reaches the target, then fast; slow is also picked while the fast list
// is empty (§4.6 "Writer routing" applied to relocation traffic).
func (c *compactor) routeDestination() pool.ListTag {
	fastLen, slowLen := c.db.pool.Index.ListLengths()
	if fastLen == 0 {
		return pool.ListSlow
	}
	if float64(slowLen)/float64(fastLen) >= c.ratio {
		return pool.ListFast
	}
	return pool.ListSlow
}

// releaseDrainedChunks walks the free-eligible ends of the fast/slow
// lists and releases any chunk whose highest insertion-count byte has
// fallen behind the current compaction frontier, trimming it to zero
// bytes first (§4.7 "Chunk release").
func (c *compactor) releaseDrainedChunks() {
	idx := c.db.pool.Index
	fastFrontier, slowFrontier := idx.CompactionFrontiers()

	c.releaseListHead(pool.ListFast, fastFrontier)
	c.releaseListHead(pool.ListSlow, slowFrontier)
}

// releaseListHead trims and frees tag's head chunk once the frontier has
// passed its highest insertion-count byte (§4.7 "Chunk release"). The head,
// not the tail, is the retiring end of an append-only list: the oldest
// chunk still on it is the one the frontier reaches first.
func (c *compactor) releaseListHead(tag pool.ListTag, frontier pool.VirtualOffset) {
	idx := c.db.pool.Index
	headID, ok := idx.OldestChunk(tag)
	if !ok {
		return
	}
	if idx.ChunkInsertionCount(headID) >= frontier.InsertionCount {
		return
	}
	h, err := c.db.pool.ActivateChunk(tag, headID)
	if err != nil {
		return
	}
	defer h.Release()
	if err := h.TryTrimContents(0); err != nil {
		return
	}
	idx.ReleaseChunk(tag, headID)
}

package node

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethertrie/mptdb/pool"
)

// entry is one node cache residency: the decoded node plus its own
// encoded size, used to track the cache's byte budget (§4.5 "bounded by a
// byte budget").
type entry struct {
	node *Node
	size int
}

// Cache is the process-wide, byte-bounded LRU of hot nodes keyed by
// virtual chunk offset (§4.5). It wraps golang-lru's generic LRU with an
// explicit byte-budget eviction loop, since golang-lru's own Cache only
// counts entries, not bytes.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache[pool.VirtualOffset, *entry]
	byteCap  int
	curBytes int
}

// NewCache constructs a cache with the given byte budget. capacityHint
// bounds the underlying LRU's entry count generously (set well above any
// expected average-node-size-driven eviction point) so the byte budget,
// not the entry count, is what actually triggers evictions in practice.
func NewCache(byteCap int, capacityHint int) (*Cache, error) {
	c := &Cache{byteCap: byteCap}
	inner, err := lru.NewWithEvict[pool.VirtualOffset, *entry](capacityHint, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// onEvict is golang-lru's eviction callback, invoked synchronously while
// c.mu is held by the caller of Insert/Remove that triggered the eviction.
func (c *Cache) onEvict(_ pool.VirtualOffset, e *entry) {
	c.curBytes -= e.size
}

// Find performs a non-evicting lookup that still touches LRU recency
// order, per §4.5.
func (c *Cache) Find(v pool.VirtualOffset) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(v)
	if !ok {
		return nil, false
	}
	return e.node, true
}

// Insert is idempotent on key collision: if v is already resident, the
// existing entry is returned unchanged rather than overwritten (§4.5
// "idempotent on key collision, returning the existing entry").
func (c *Cache) Insert(v pool.VirtualOffset, n *Node) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(v); ok {
		return e.node
	}

	size := EncodedSize(n)
	c.lru.Add(v, &entry{node: n, size: size})
	c.curBytes += size

	for c.curBytes > c.byteCap && c.lru.Len() > 1 {
		if !c.evictOldest() {
			break
		}
	}
	return n
}

// evictOldest removes the least-recently-used entry other than the one
// just inserted; golang-lru's RemoveOldest handles the bytes bookkeeping
// via onEvict.
func (c *Cache) evictOldest() bool {
	_, _, ok := c.lru.RemoveOldest()
	return ok
}

// Remove drops v from the cache unconditionally, used when the update
// engine supersedes a node's virtual offset in place.
func (c *Cache) Remove(v pool.VirtualOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(v)
}

// Len reports the current resident entry count (diagnostic only; the
// authoritative budget is bytes, not entries).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes reports the cache's current byte usage.
func (c *Cache) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

package btree

import (
	"math/rand"
	"sync"

	"github.com/ryogrid/duskbase/pagefile"
	"github.com/ryogrid/duskbase/pagestore"
)

// nodeCache is an in-memory pool of pinned/cached *Node values over a
// pagestore.PageDb, grounded on the teacher's BufMgr hash table plus clock
// (second-chance) eviction (bufmgr.go's LatchLink/PinLatch/UnpinLatch/
// latchVictim/ClockBit), renamed here to operate on btree.Node rather than
// the teacher's raw Page.
type nodeCache struct {
	db *pagestore.PageDb

	mu       sync.Mutex
	entries  map[pagefile.PageID]*Node
	clock    []*Node // clock hand order, oldest-inserted first
	hand     int
	capacity int
}

func newNodeCache(db *pagestore.PageDb, capacity int) *nodeCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &nodeCache{
		db:       db,
		entries:  make(map[pagefile.PageID]*Node, capacity),
		capacity: capacity,
	}
}

// Fetch returns the cached node for id, loading it from the page store on
// a miss. The returned node's usedRecently bit is set (clock "reference"
// bit), mirroring bufmgr.go's PinLatch marking a frame as pinned/recent.
func (c *nodeCache) Fetch(id pagefile.PageID) (*Node, error) {
	c.mu.Lock()
	if n, ok := c.entries[id]; ok {
		n.usedRecently = true
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	buf := make([]byte, c.db.PageSize())
	if err := c.db.ReadPage(id, buf, 0); err != nil {
		return nil, err
	}
	n := LoadNode(id, buf)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[id]; ok {
		existing.usedRecently = true
		return existing, nil
	}
	c.insertLocked(n)
	return n, nil
}

// Insert adds a freshly created (not yet durable) node to the cache, e.g.
// right after NewNode/AllocPage.
func (c *nodeCache) Insert(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(n)
}

func (c *nodeCache) insertLocked(n *Node) {
	n.usedRecently = true
	c.entries[n.PageID] = n
	c.clock = append(c.clock, n)
	if len(c.entries) > c.capacity {
		c.evictLocked()
	}
}

// Invalidate drops id from the cache without writing it back, used after a
// page is freed (deleted pages must never be served stale from cache).
func (c *nodeCache) Invalidate(id pagefile.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// evictLocked runs one clock sweep, evicting the first unlatched,
// not-recently-used, non-dirty node it finds. Dirty nodes are skipped (the
// caller is responsible for flushing dirty nodes before relying on
// eviction to bound memory -- BTree.Prepare does this at commit time).
func (c *nodeCache) evictLocked() {
	n := len(c.clock)
	if n == 0 {
		return
	}
	for i := 0; i < 2*n; i++ {
		idx := c.hand % n
		c.hand++
		cand := c.clock[idx]
		if cand == nil {
			continue
		}
		if cand.usedRecently {
			cand.usedRecently = false
			continue
		}
		if cand.IsDirty() {
			continue
		}
		if !cand.Latch.TryAcquireExclusive() {
			continue
		}
		cand.Latch.ReleaseExclusive()
		delete(c.entries, cand.PageID)
		c.clock[idx] = nil
		return
	}
}

// randomNode returns the page id of a pseudo-randomly chosen currently
// cached node, the BTree.RandomNode driver for an approximate-LRU
// eviction pass independent of the clock hand's own sweep order.
func (c *nodeCache) randomNode() (pagefile.PageID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return 0, false
	}
	pick := rand.Intn(len(c.entries))
	i := 0
	for id := range c.entries {
		if i == pick {
			return id, true
		}
		i++
	}
	return 0, false
}

// contains reports whether id is currently resident in the cache.
func (c *nodeCache) contains(id pagefile.PageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// evictID drops id from the cache if present, clean, and not
// exclusively latched, returning whether it did so.
func (c *nodeCache) evictID(id pagefile.PageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.entries[id]
	if !ok || n.IsDirty() {
		return false
	}
	if !n.Latch.TryAcquireExclusive() {
		return false
	}
	n.Latch.ReleaseExclusive()
	delete(c.entries, id)
	for i, e := range c.clock {
		if e == n {
			c.clock[i] = nil
			break
		}
	}
	return true
}

// DirtyNodes returns every currently cached node with unflushed changes.
func (c *nodeCache) DirtyNodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Node
	for _, n := range c.entries {
		if n.IsDirty() {
			out = append(out, n)
		}
	}
	return out
}

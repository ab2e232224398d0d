package gc

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/extentfs/gc/btree"
)

// nodeCacheKey is the hash key a resident btree node is cached under:
// the position a lookup would use to find it, i.e. its declared
// min_key.
type nodeCacheKey struct {
	btreeID btree.ID
	level   int
	minKey  btree.Pos
}

// NodeCache holds resident btree nodes keyed by their declared range
// start. The topology checker rehashes a node's entry when it patches
// the node's min_key; the coalescer evicts entries for nodes it
// frees.
type NodeCache struct {
	lru *lru.Cache[nodeCacheKey, *btree.Node]
}

// NewNodeCache builds a cache holding up to size resident nodes.
func NewNodeCache(size int) *NodeCache {
	c, err := lru.New[nodeCacheKey, *btree.Node](size)
	if err != nil {
		// Only possible for size <= 0; fall back to a minimal
		// cache rather than propagating a config error through
		// every caller.
		c, _ = lru.New[nodeCacheKey, *btree.Node](1)
	}
	return &NodeCache{lru: c}
}

// Put records that node is resident at (id, level, minKey).
func (c *NodeCache) Put(id btree.ID, level int, minKey btree.Pos, node *btree.Node) {
	c.lru.Add(nodeCacheKey{id, level, minKey}, node)
}

// Get returns the node cached at (id, level, minKey), if any.
func (c *NodeCache) Get(id btree.ID, level int, minKey btree.Pos) (*btree.Node, bool) {
	return c.lru.Get(nodeCacheKey{id, level, minKey})
}

// Rehash moves a cache entry from its old min_key to its new one.
// No-op removal if the node wasn't cached under oldMinKey; the node
// is (re)inserted under the new key either way.
func (c *NodeCache) Rehash(id btree.ID, level int, oldMinKey, newMinKey btree.Pos, node *btree.Node) {
	if _, ok := c.lru.Peek(nodeCacheKey{id, level, oldMinKey}); ok {
		c.lru.Remove(nodeCacheKey{id, level, oldMinKey})
	}
	c.lru.Add(nodeCacheKey{id, level, newMinKey}, node)
}

// Evict drops a freed node's cache entry.
func (c *NodeCache) Evict(id btree.ID, level int, minKey btree.Pos) {
	c.lru.Remove(nodeCacheKey{id, level, minKey})
}

package jobclient

import (
	"sync"

	"github.com/medgpu/overlay"
)

// CacheKey identifies one segmentation request for result caching.
type CacheKey struct {
	Patient string
	Study   string
	Kind    string
}

// resultCache holds the single most recent completed result. One slot is
// enough: the viewer shows one study at a time, and a new submission for
// the same key invalidates whatever was cached.
type resultCache struct {
	mu    sync.Mutex
	key   CacheKey
	mask  *overlay.Mask
	valid bool
}

func (c *resultCache) Put(key CacheKey, mask *overlay.Mask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.mask = mask
	c.valid = true
}

// Get returns the cached mask when the key matches the occupied slot.
func (c *resultCache) Get(key CacheKey) (*overlay.Mask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.key != key {
		return nil, false
	}
	return c.mask, true
}

// Invalidate drops the slot if it holds a result for the key.
func (c *resultCache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.key == key {
		c.mask = nil
		c.valid = false
	}
}

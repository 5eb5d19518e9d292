package session

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheCapacity = 100

// cache fronts Store with an in-memory LRU so a hot session doesn't hit
// bbolt on every request. Entries are invalidated on delete, never left
// stale.
type cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *Session]
}

func newCache(capacity int) *cache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	c, _ := lru.New[string, *Session](capacity)
	return &cache{lru: c}
}

func (c *cache) get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(id)
}

func (c *cache) put(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(sess.ID, sess)
}

func (c *cache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
}

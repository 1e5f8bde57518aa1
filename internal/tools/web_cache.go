package tools

import (
	"container/list"
	"sync"
	"time"
)

// webCache is a small LRU with per-entry TTL used by web_fetch so repeated
// lookups of the same URL within a conversation do not refetch.
type webCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	ll         *list.List
	entries    map[string]*list.Element
	now        func() time.Time
}

type webCacheEntry struct {
	key     string
	value   string
	expires time.Time
}

func newWebCache(maxEntries int, ttl time.Duration) *webCache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	return &webCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		ll:         list.New(),
		entries:    make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	ent := el.Value.(*webCacheEntry)
	if c.now().After(ent.expires) {
		c.ll.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.ll.MoveToFront(el)
	return ent.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.ll.MoveToFront(el)
		ent := el.Value.(*webCacheEntry)
		ent.value = value
		ent.expires = c.now().Add(c.ttl)
		return
	}
	el := c.ll.PushFront(&webCacheEntry{key: key, value: value, expires: c.now().Add(c.ttl)})
	c.entries[key] = el
	for c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*webCacheEntry).key)
	}
}

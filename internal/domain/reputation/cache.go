package reputation

import (
	"container/list"
	"sync"
	"time"
)

// verdictCache is a bounded TTL cache with LRU eviction. Expired
// entries are dropped on read; capacity pressure evicts the least
// recently used entry.
type verdictCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	ip      string
	verdict Verdict
	expires time.Time
}

func newVerdictCache(maxSize int) *verdictCache {
	return &verdictCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *verdictCache) get(ip string, now time.Time) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[ip]
	if !ok {
		return Verdict{}, false
	}
	entry := el.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, ip)
		return Verdict{}, false
	}
	c.order.MoveToFront(el)
	return entry.verdict, true
}

func (c *verdictCache) put(ip string, v Verdict, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[ip]; ok {
		entry := el.Value.(*cacheEntry)
		entry.verdict = v
		entry.expires = expires
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).ip)
	}

	el := c.order.PushFront(&cacheEntry{ip: ip, verdict: v, expires: expires})
	c.entries[ip] = el
}

func (c *verdictCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

package offline0

import (
	"sort"
	"strings"
	"sync"
)

type lruItem struct {
	key  string
	resp *Response
	size int64
	prev *lruItem
	next *lruItem
}

// lru is a byte-capped least-recently-used response cache. maxBytes <= 0
// disables the cap.
type lru struct {
	maxBytes int64
	tier     string // metrics label

	mu    sync.Mutex
	items map[string]*lruItem
	head  *lruItem
	tail  *lruItem
	total int64
}

func newLRU(maxBytes int64, tier string) *lru {
	return &lru{maxBytes: maxBytes, tier: tier, items: map[string]*lruItem{}}
}

func (c *lru) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *lru) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// KeysWithPrefix returns the matching keys sorted.
func (c *lru) KeysWithPrefix(prefix string) []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *lru) Get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(it)
	return it.resp, true
}

func (c *lru) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
}

// DeletePrefix drops every key starting with prefix and returns how many.
func (c *lru) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.deleteLocked(k)
			n++
		}
	}
	return n
}

func (c *lru) deleteLocked(key string) {
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

// Put stores resp and reports false when it alone exceeds the cap.
func (c *lru) Put(key string, resp *Response) bool {
	sz := resp.size()
	if c.maxBytes > 0 && sz > c.maxBytes {
		c.deleteLockedSafe(key)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.resp = resp
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked(key)
		return true
	}

	it := &lruItem{key: key, resp: resp, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked(key)
	return true
}

func (c *lru) deleteLockedSafe(key string) {
	c.mu.Lock()
	c.deleteLocked(key)
	c.mu.Unlock()
}

// evictLocked drops the least recently used 10% until the cache fits,
// never evicting keep.
func (c *lru) evictLocked(keep string) {
	for c.maxBytes > 0 && c.total > c.maxBytes {
		n := len(c.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			it := c.tail
			if it == nil || it.key == keep {
				return
			}
			c.remove(it)
			delete(c.items, it.key)
			c.total -= it.size
			cacheEvictions.WithLabelValues(c.tier).Inc()
		}
	}
}

func (c *lru) addToFront(it *lruItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *lru) remove(it *lruItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *lru) moveToFront(it *lruItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

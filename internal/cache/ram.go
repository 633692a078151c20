package cache

import (
	"sync"

	"revalidator/internal/logging"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a size-bounded LRU. Entries evicted for space are handed to the
// disk tier rather than dropped.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) KeysWithTag(tag string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k, it := range c.items {
		if it.ent.hasTag(tag) {
			out = append(out, k)
		}
	}
	return out
}

func (c *ramCache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	return it.ent, true
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *ramCache) Put(key string, ent Entry, disk *diskCache, overflowLog *logging.RateLimited) {
	b, err := encodeGob(ent)
	if err != nil {
		return
	}
	sz := int64(len(b))

	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big for RAM, disk only
		if disk != nil {
			disk.PutAsync(key, ent)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes {
		c.evictToDiskLocked(disk)
		if c.tail == nil || c.total+sz <= c.maxBytes {
			break
		}
		if overflowLog != nil {
			overflowLog.Warn("RAM cache overflow, evicting", "ram_bytes", c.total, "incoming_bytes", sz)
		}
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

// evictToDiskLocked moves the least recently used tenth of the items to disk.
func (c *ramCache) evictToDiskLocked(disk *diskCache) {
	count := len(c.items)
	if count == 0 {
		return
	}
	n := count / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil {
			return
		}
		if disk != nil {
			disk.PutAsync(it.key, it.ent)
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
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

func (c *ramCache) remove(it *ramItem) {
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

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

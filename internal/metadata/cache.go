package metadata

import "sync"

// Cache memoizes a Lookup. Misses are remembered too, so an unknown id is
// only asked for once. All methods are safe for concurrent use.
type Cache struct {
	next Lookup

	mu      sync.Mutex
	entries map[int]*Attachment
}

// NewCache wraps next.
func NewCache(next Lookup) *Cache {
	return &Cache{
		next:    next,
		entries: make(map[int]*Attachment),
	}
}

// Attachment returns the cached metadata for id, asking the wrapped Lookup
// on first use.
func (c *Cache) Attachment(id int) *Attachment {
	c.mu.Lock()
	if att, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return att
	}
	c.mu.Unlock()

	var att *Attachment
	if c.next != nil {
		att = c.next.Attachment(id)
	}

	c.mu.Lock()
	c.entries[id] = att
	c.mu.Unlock()
	return att
}

// Len returns the number of cached ids, hits and misses alike.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every cached entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[int]*Attachment)
	c.mu.Unlock()
}

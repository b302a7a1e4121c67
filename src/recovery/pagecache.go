package recovery

import (
	"container/list"
)

// readerCachePages bounds the log pages one Reader keeps decoded. Backward
// replay mostly walks one page at a time.
const readerCachePages = 8

type cachedPage struct {
	n uint32
	p *logPage
}

// pageCache keeps the most recently used decoded log pages and drops the
// least recently used one when full.
type pageCache struct {
	capacity int
	lru      *list.List
	pages    map[uint32]*list.Element
}

func newPageCache(capacity int) *pageCache {
	return &pageCache{
		capacity: max(capacity, 1),
		lru:      list.New(),
		pages:    make(map[uint32]*list.Element),
	}
}

func (c *pageCache) get(n uint32) (*logPage, bool) {
	elem, ok := c.pages[n]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cachedPage).p, true
}

func (c *pageCache) put(n uint32, p *logPage) {
	if elem, ok := c.pages[n]; ok {
		elem.Value.(*cachedPage).p = p
		c.lru.MoveToFront(elem)
		return
	}

	c.pages[n] = c.lru.PushFront(&cachedPage{n: n, p: p})
	if c.lru.Len() <= c.capacity {
		return
	}

	victim := c.lru.Back()
	c.lru.Remove(victim)
	delete(c.pages, victim.Value.(*cachedPage).n)
}

func (c *pageCache) len() int {
	return c.lru.Len()
}

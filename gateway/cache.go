package gateway

import (
	"container/list"
	"net/http"
	"sync"
)

// condCache remembers validators (ETag, Last-Modified) and bodies of
// previously fetched URLs so repeat GETs can revalidate instead of
// re-downloading. Bounded LRU; safe for concurrent use.
type condCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front is most recently used
	entries map[string]*list.Element
}

type condEntry struct {
	url          string
	header       http.Header
	body         []byte
	etag         string
	lastModified string
}

func newCondCache(max int) *condCache {
	return &condCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element, max),
	}
}

func (c *condCache) get(url string) (*condEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[url]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*condEntry), true
}

func (c *condCache) put(e *condEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[e.url]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	c.entries[e.url] = c.order.PushFront(e)
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*condEntry).url)
	}
}

func (c *condCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

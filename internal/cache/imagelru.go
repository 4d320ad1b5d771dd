package cache

import (
	"container/list"
	"image"
	"sync"
)

// ImageLRU caps how many batches of decoded page images stay resident. It is
// purely in-memory and LRU-evicted; it never touches the key-value store and
// shares no invariants with the semantic cache.
type ImageLRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

type imageBatch struct {
	key    string
	images []image.Image
}

// NewImageLRU builds a cache holding at most capacity batches. A capacity
// below 1 disables caching entirely.
func NewImageLRU(capacity int) *ImageLRU {
	return &ImageLRU{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the batch for key and marks it recently used.
func (c *ImageLRU) Get(key string) ([]image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*imageBatch).images, true
}

// Put stores a batch, evicting the least recently used batch when over
// capacity.
func (c *ImageLRU) Put(key string, images []image.Image) {
	if c.capacity < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*imageBatch).images = images
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&imageBatch{key: key, images: images})
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*imageBatch).key)
	}
}

// Remove drops one batch, freeing its images for collection.
func (c *ImageLRU) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len reports how many batches are resident.
func (c *ImageLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

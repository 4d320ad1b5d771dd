package cache

import (
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page() []image.Image {
	return []image.Image{image.NewGray(image.Rect(0, 0, 4, 4))}
}

func TestImageLRUEvictsOldest(t *testing.T) {
	c := NewImageLRU(2)
	c.Put("a", page())
	c.Put("b", page())
	c.Put("c", page())

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest batch evicted at capacity")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestImageLRUGetRefreshesRecency(t *testing.T) {
	c := NewImageLRU(2)
	c.Put("a", page())
	c.Put("b", page())

	_, ok := c.Get("a") // a becomes most recent
	require.True(t, ok)

	c.Put("c", page()) // evicts b
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestImageLRUZeroCapacityDisables(t *testing.T) {
	c := NewImageLRU(0)
	c.Put("a", page())
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestImageLRURemove(t *testing.T) {
	c := NewImageLRU(4)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("run_%d", i), page())
	}
	c.Remove("run_1")
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("run_1")
	assert.False(t, ok)
}

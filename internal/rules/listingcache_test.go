package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListingCacheHitAndRevisionMiss(t *testing.T) {
	c := newListingCache(time.Minute)
	c.put("/a", 1, []Entry{{Name: "f"}})

	entries, ok := c.get("/a", 1)
	require.True(t, ok)
	assert.Equal(t, "f", entries[0].Name)

	_, ok = c.get("/a", 2)
	assert.False(t, ok, "a revision bump must drop the cached listing")
}

func TestListingCacheExpiresAfterTTL(t *testing.T) {
	c := newListingCache(time.Millisecond)
	c.put("/a", 1, []Entry{{Name: "f"}})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.get("/a", 1)
	assert.False(t, ok)
}

func TestListingCacheInvalidate(t *testing.T) {
	c := newListingCache(time.Minute)
	c.put("/a", 1, []Entry{{Name: "f"}})
	c.invalidate("/a")

	_, ok := c.get("/a", 1)
	assert.False(t, ok)
}

func TestListingCacheInvalidateAll(t *testing.T) {
	c := newListingCache(time.Minute)
	c.put("/a", 1, nil)
	c.put("/b", 1, nil)
	c.invalidateAll()

	_, okA := c.get("/a", 1)
	_, okB := c.get("/b", 1)
	assert.False(t, okA)
	assert.False(t, okB)
}

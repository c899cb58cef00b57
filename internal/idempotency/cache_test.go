package idempotency

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheReturnsOriginalResult(t *testing.T) {
	c, err := New[string](16)
	require.NoError(t, err)

	c.Put("op-1", "result-1")
	got, ok := c.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, "result-1", got)

	_, ok = c.Get("op-2")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecent(t *testing.T) {
	c := MustNew[int](3)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	// Touch k0 so k1 becomes least recent.
	_, _ = c.Get("k0")
	c.Put("k3", 3)

	_, ok := c.Get("k1")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get("k0")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestKeyIsStableAndSeparatorSafe(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("ab", ""), Key("a", "b"))
	assert.NotEqual(t, Key("a", "b"), Key("b", "a"))
}

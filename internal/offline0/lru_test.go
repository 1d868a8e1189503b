package offline0

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sized(n int) *Response {
	return newResponse(200, nil, make([]byte, n))
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRU(100, "test")

	require.True(t, c.Put("a", sized(40)))
	require.True(t, c.Put("b", sized(40)))
	_, ok := c.Get("a")
	require.True(t, ok)

	require.True(t, c.Put("c", sized(40)))
	require.Equal(t, 2, c.Len())
	require.Equal(t, int64(80), c.TotalSize())

	_, ok = c.Get("b")
	require.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestLRUReplaceUpdatesSize(t *testing.T) {
	c := newLRU(0, "test")
	c.Put("a", sized(10))
	c.Put("a", sized(25))
	require.Equal(t, 1, c.Len())
	require.Equal(t, int64(25), c.TotalSize())
}

func TestLRURejectsOversizedEntry(t *testing.T) {
	c := newLRU(10, "test")
	require.True(t, c.Put("a", sized(5)))
	require.False(t, c.Put("a", sized(11)))
	_, ok := c.Get("a")
	require.False(t, ok, "a rejected replacement drops the stale value")
	require.Zero(t, c.TotalSize())
}

func TestLRUPrefixOperations(t *testing.T) {
	c := newLRU(0, "test")
	for _, k := range []string{"v1\x00b", "v1\x00a", "v2\x00a", "v10\x00a"} {
		c.Put(k, sized(1))
	}

	require.Equal(t, []string{"v1\x00a", "v1\x00b"}, c.KeysWithPrefix("v1\x00"))
	require.Equal(t, 2, c.DeletePrefix("v1\x00"))
	require.Equal(t, []string{"v10\x00a", "v2\x00a"}, c.KeysWithPrefix("v"))

	c.Delete("v2\x00a")
	require.Equal(t, 1, c.Len())
	require.Equal(t, int64(1), c.TotalSize())
}

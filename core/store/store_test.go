package store_test

import (
	"fmt"
	"sync"
	"testing"

	"simplyscript/core/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestStoreGetSetDelete(t *testing.T) {
	r := store.NewRequestStore(nil)
	_, ok := r.Get("k")
	assert.False(t, ok)

	r.Set("k", 1)
	v, ok := r.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	r.Set("k", nil)
	_, ok = r.Get("k")
	assert.False(t, ok)
}

func TestRequestStoreWritesThroughExternalMap(t *testing.T) {
	external := map[string]any{"session": "abc"}
	r := store.NewRequestStore(external)

	v, _ := r.Get("session")
	assert.Equal(t, "abc", v)
	r.Set("user", "kokhoor")
	assert.Equal(t, "kokhoor", external["user"])

	r.Reset()
	assert.Empty(t, external)
}

func TestRequestStoreReturnHelpers(t *testing.T) {
	r := store.NewRequestStore(nil)
	assert.Nil(t, r.ReturnCommands())

	r.AddReturnCommand("reload")
	r.AddReturnCommand("logout")
	assert.Equal(t, []string{"reload", "logout"}, r.ReturnCommands())
	raw, _ := r.Get(store.ProcessCommandsKey)
	assert.Equal(t, "reload|logout", raw)

	r.SetReturn("token", "t1")
	r.SetReturn("expires", 60)
	data, _ := r.Get(store.OtherReturnDataKey)
	assert.Equal(t, map[string]any{"token": "t1", "expires": 60}, data)
}

func TestCacheStoreEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := store.NewCacheStore(2)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	c.Set("a", nil)
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCacheStoreDefaultSize(t *testing.T) {
	c, err := store.NewCacheStore(0)
	require.NoError(t, err)
	for i := 0; i < store.DefaultCacheSize+10; i++ {
		c.Set(fmt.Sprint(i), i)
	}
	assert.Equal(t, store.DefaultCacheSize, c.Len())
}

func TestAppStoreConcurrentAccess(t *testing.T) {
	a := store.NewAppStore(map[string]any{"name": "simplyscript"})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Set(fmt.Sprint("k", i), i)
			_, _ = a.Get("name")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 21, a.Len())

	a.Replace(map[string]any{"only": true})
	_, ok := a.Get("name")
	assert.False(t, ok)
	assert.Equal(t, 1, a.Len())
}

package registry_test

import (
	"sync"
	"testing"

	"simplyscript/core/registry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priorities[T any](items []registry.Entry[T]) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.Priority)
	}
	return out
}

func TestPriorityListDirections(t *testing.T) {
	tests := []struct {
		name      string
		ascending bool
		add       []int
		want      []int
	}{
		{name: "pre chain runs highest first", ascending: false, add: []int{5, 10}, want: []int{10, 5}},
		{name: "post chain runs lowest first", ascending: true, add: []int{10, 5}, want: []int{5, 10}},
		{name: "descending with negatives", ascending: false, add: []int{0, -100, 100, 7}, want: []int{100, 7, 0, -100}},
		{name: "ascending with negatives", ascending: true, add: []int{0, -100, 100, 7}, want: []int{-100, 0, 7, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := registry.NewPriorityList[string](tt.ascending)
			for _, p := range tt.add {
				l.Add(registry.Entry[string]{Priority: p})
			}
			if diff := cmp.Diff(tt.want, priorities(l.Items())); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.ascending, l.Ascending())
		})
	}
}

func TestPriorityListStableForEqualPriorities(t *testing.T) {
	for _, ascending := range []bool{true, false} {
		l := registry.NewPriorityList[string](ascending)
		l.Add(registry.Entry[string]{Value: "first", Priority: 1})
		l.Add(registry.Entry[string]{Value: "second", Priority: 1})
		l.Add(registry.Entry[string]{Value: "third", Priority: 1})

		var got []string
		for _, e := range l.Items() {
			got = append(got, e.Value)
		}
		assert.Equal(t, []string{"first", "second", "third"}, got, "ascending=%v", ascending)
	}
}

func TestPriorityListSnapshotIsolation(t *testing.T) {
	l := registry.NewPriorityList[int](false)
	l.Add(registry.Entry[int]{Value: 1, Priority: 1})
	snap := l.Items()
	l.Add(registry.Entry[int]{Value: 2, Priority: 2})

	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Value)
	assert.Equal(t, 2, l.Len())
}

func TestPriorityListConcurrentAdd(t *testing.T) {
	l := registry.NewPriorityList[int](true)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			l.Add(registry.Entry[int]{Value: p, Priority: p})
			_ = l.Items()
		}(i)
	}
	wg.Wait()
	items := l.Items()
	require.Len(t, items, 50)
	for i := 1; i < len(items); i++ {
		assert.LessOrEqual(t, items[i-1].Priority, items[i].Priority)
	}
}

func TestSlots(t *testing.T) {
	s := registry.NewSlots()
	s.Set("config", map[string]any{"a": 1})
	require.NoError(t, s.Register("db", "conn"))
	require.Error(t, s.Register("db", "other"))

	v, ok := s.Get("db")
	require.True(t, ok)
	assert.Equal(t, "conn", v)
	assert.Equal(t, []string{"config", "db"}, s.Names())

	s.Set("db", nil)
	_, ok = s.Get("db")
	assert.False(t, ok)
}

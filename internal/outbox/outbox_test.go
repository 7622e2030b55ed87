package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_DropsOldest(t *testing.T) {
	q := New[string](3)

	for _, v := range []string{"A", "B", "C"} {
		_, evicted := q.Push(v)
		assert.False(t, evicted)
	}

	dropped, evicted := q.Push("D")
	assert.True(t, evicted)
	assert.Equal(t, "A", dropped)
	assert.Equal(t, []string{"B", "C", "D"}, q.Snapshot())
}

func TestQueue_NeverExceedsCapacity(t *testing.T) {
	q := New[int](DefaultCapacity)
	for i := 0; i < 500; i++ {
		q.Push(i)
		assert.LessOrEqual(t, q.Len(), DefaultCapacity)
	}

	items := q.Drain()
	assert.Len(t, items, DefaultCapacity)
	assert.Equal(t, 450, items[0])
	assert.Equal(t, 499, items[len(items)-1])
}

func TestQueue_DrainPreservesOrderAndEmpties(t *testing.T) {
	q := New[int](10)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	assert.Equal(t, []int{1, 2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueue_Clear(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := New[int](0)
	assert.Equal(t, DefaultCapacity, q.Capacity())
}

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted)
	}
	assert.Equal(t, []int{1, 2, 3}, r.Slice())

	old, evicted := r.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, r.Slice())

	newest, ok := r.Newest()
	assert.True(t, ok)
	assert.Equal(t, 4, newest)
	assert.Equal(t, 3, r.Cap())
}

func TestRing_Reset(t *testing.T) {
	r := NewRing[string](2)
	r.Push("a")
	r.Reset()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Newest()
	assert.False(t, ok)
	assert.Empty(t, r.Slice())
}

func TestRing_PanicsOnBadCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRing[int](0) })
}

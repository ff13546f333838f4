package slot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allOffsets() map[int]bool {
	m := make(map[int]bool, Count)
	for i := 0; i < Count; i++ {
		m[i*Width] = true
	}
	return m
}

func TestAllocator_DisjointAndExhaustive(t *testing.T) {
	a := New()
	paths := []string{"/d1", "/d2", "/d3", "/d4", "/d5", "/d6"}
	seen := make(map[int]string)
	for _, p := range paths {
		offset, err := a.Allocate(p)
		require.NoError(t, err)
		if other, dup := seen[offset]; dup {
			t.Fatalf("offset %d allocated to both %s and %s", offset, other, p)
		}
		seen[offset] = p
	}
	assert.Equal(t, Count, a.Len())

	_, err := a.Allocate("/d7")
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestAllocator_DeallocateAllocateIdentity(t *testing.T) {
	a := New()
	offset, err := a.Allocate("/d1")
	require.NoError(t, err)

	a.Deallocate("/d1")
	_, held := a.Lookup("/d1")
	assert.False(t, held)

	again, err := a.Allocate("/d1")
	require.NoError(t, err)
	assert.Equal(t, offset, again, "deallocate then allocate must be identity")
}

func TestAllocator_DeallocateIdempotent(t *testing.T) {
	a := New()
	a.Deallocate("/never-allocated")
	a.Deallocate("/never-allocated")
	assert.Equal(t, 0, a.Len())
}

func TestAllocator_SmallestOffsetTieBreak(t *testing.T) {
	a := New()
	offset, err := a.Allocate("/d1")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)

	offset2, err := a.Allocate("/d2")
	require.NoError(t, err)
	assert.Equal(t, 4, offset2)
}

func TestAllocator_TeardownReturnsToFreeSet(t *testing.T) {
	a := New()
	offset, err := a.Allocate("/d1")
	require.NoError(t, err)

	a.Deallocate("/d1")

	// Another device can now claim that exact offset if /d1 never comes
	// back and something else needs the smallest slot.
	other, err := a.Allocate("/d2")
	require.NoError(t, err)
	assert.Equal(t, offset, other)
}

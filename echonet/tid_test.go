package echonet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTIDAllocatorDistinctWhileInFlight(t *testing.T) {
	a := newTIDAllocator()
	seen := map[uint16]bool{}
	for i := 0; i < 1000; i++ {
		tid := a.alloc()
		require.False(t, seen[tid], "TID %04X handed out twice while in flight", tid)
		seen[tid] = true
	}
}

func TestTIDAllocatorSkipsInFlight(t *testing.T) {
	a := newTIDAllocator()
	first := a.alloc()

	// Force the counter back onto the in-flight value: the allocator
	// must step over it.
	a.mu.Lock()
	a.next = first
	a.mu.Unlock()

	second := a.alloc()
	assert.NotEqual(t, first, second)
}

func TestTIDAllocatorReusesReleased(t *testing.T) {
	a := newTIDAllocator()
	first := a.alloc()
	a.release(first)

	a.mu.Lock()
	a.next = first
	a.mu.Unlock()

	assert.Equal(t, first, a.alloc())
}

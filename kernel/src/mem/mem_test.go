package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocZeroedIsZeroFilled(t *testing.T) {
	phys := NewPhysmem(4)
	pa, ok := phys.AllocZeroed()
	require.True(t, ok)
	pg := phys.Dmap(pa)
	for _, b := range pg {
		assert.Equal(t, byte(0), b)
	}
}

func TestAllocExhaustsArena(t *testing.T) {
	phys := NewPhysmem(2)
	_, ok1 := phys.Alloc()
	_, ok2 := phys.Alloc()
	_, ok3 := phys.Alloc()
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
}

func TestFreeReturnsPageToFreelist(t *testing.T) {
	phys := NewPhysmem(1)
	pa, _ := phys.Alloc()
	assert.Equal(t, 0, phys.Freemem())
	phys.Free(pa)
	assert.Equal(t, 1, phys.Freemem())
	_, ok := phys.Alloc()
	assert.True(t, ok)
}

func TestDoubleFreePanics(t *testing.T) {
	phys := NewPhysmem(1)
	pa, _ := phys.Alloc()
	phys.Free(pa)
	assert.Panics(t, func() {
		phys.Free(pa)
	})
}

func TestRefupKeepsPageAliveAcrossOneFree(t *testing.T) {
	phys := NewPhysmem(1)
	pa, _ := phys.Alloc()
	phys.Refup(pa)
	phys.Free(pa)
	assert.Equal(t, 0, phys.Freemem())
	phys.Free(pa)
	assert.Equal(t, 1, phys.Freemem())
}

package mmapsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defs"
	"file"
	"mem"
	"vm"
)

type fileTable struct {
	files map[int]file.File_i
}

func (ft *fileTable) Lookup(fd int) (file.File_i, bool) {
	f, ok := ft.files[fd]
	return f, ok
}

func TestMmapAnonymousPopulateInstallsPages(t *testing.T) {
	phys := mem.NewPhysmem(64)
	pt := vm.NewPagetable()
	tbl := NewTable()
	ft := &fileTable{files: map[int]file.File_i{}}

	addr, err := tbl.Mmap(1, pt, phys, 0, mem.PGSIZE*2, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_ANONYMOUS|defs.MAP_POPULATE, -1, 0, ft)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, uintptr(defs.MMAPBASE), addr)
	assert.True(t, pt.Present(addr))
	assert.True(t, pt.Present(addr+uintptr(mem.PGSIZE)))
}

func TestMmapRejectsBadFdWithoutAnonymous(t *testing.T) {
	phys := mem.NewPhysmem(64)
	pt := vm.NewPagetable()
	tbl := NewTable()
	ft := &fileTable{files: map[int]file.File_i{}}

	_, err := tbl.Mmap(1, pt, phys, 0, mem.PGSIZE, defs.PROT_READ, 0, -1, 0, ft)
	assert.Equal(t, -defs.EINVAL, err)
}

func TestMmapFileBackedReadsContent(t *testing.T) {
	phys := mem.NewPhysmem(64)
	pt := vm.NewPagetable()
	tbl := NewTable()

	content := make([]byte, mem.PGSIZE)
	content[0] = 0x42
	f := file.NewMemFile(content, true, false)
	ft := &fileTable{files: map[int]file.File_i{3: f}}

	addr, err := tbl.Mmap(1, pt, phys, 0, mem.PGSIZE, defs.PROT_READ,
		defs.MAP_POPULATE, 3, 0, ft)
	require.Equal(t, defs.Err_t(0), err)
	pte, ok := pt.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, byte(0x42), phys.Dmap(pte&mem.PTE_ADDR)[0])
}

func TestMunmapFreesPhysicalPages(t *testing.T) {
	phys := mem.NewPhysmem(64)
	pt := vm.NewPagetable()
	tbl := NewTable()
	ft := &fileTable{files: map[int]file.File_i{}}

	before := phys.Freemem()
	addr, err := tbl.Mmap(1, pt, phys, 0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_ANONYMOUS|defs.MAP_POPULATE, -1, 0, ft)
	require.Equal(t, defs.Err_t(0), err)
	assert.Less(t, phys.Freemem(), before)

	assert.Equal(t, defs.Err_t(0), tbl.Munmap(1, pt, phys, addr))
	assert.Equal(t, before, phys.Freemem())
	assert.False(t, pt.Present(addr))
}

func TestPageFaultRejectsWriteToReadOnlyMapping(t *testing.T) {
	phys := mem.NewPhysmem(64)
	pt := vm.NewPagetable()
	tbl := NewTable()
	ft := &fileTable{files: map[int]file.File_i{}}

	addr, err := tbl.Mmap(1, pt, phys, 0, mem.PGSIZE, defs.PROT_READ, defs.MAP_ANONYMOUS, -1, 0, ft)
	require.Equal(t, defs.Err_t(0), err)

	assert.Equal(t, -defs.EFAULT, tbl.PageFault(1, pt, phys, addr, true))
	assert.Equal(t, defs.Err_t(0), tbl.PageFault(1, pt, phys, addr, false))
}

func TestPageFaultOutsideAnyMappingIsEfault(t *testing.T) {
	phys := mem.NewPhysmem(64)
	pt := vm.NewPagetable()
	tbl := NewTable()

	assert.Equal(t, -defs.EFAULT, tbl.PageFault(1, pt, phys, 0x1000, false))
}

func TestForkDupCopiesPresentPagesOnly(t *testing.T) {
	phys := mem.NewPhysmem(64)
	parentPt := vm.NewPagetable()
	childPt := vm.NewPagetable()
	tbl := NewTable()
	ft := &fileTable{files: map[int]file.File_i{}}

	addr, err := tbl.Mmap(1, parentPt, phys, 0, mem.PGSIZE*2, defs.PROT_READ|defs.PROT_WRITE,
		defs.MAP_ANONYMOUS, -1, 0, ft)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Err_t(0), tbl.PageFault(1, parentPt, phys, addr, true))

	ndup, err2 := tbl.ForkDup(1, 2, parentPt, childPt, phys)
	require.Equal(t, defs.Err_t(0), err2)
	require.Equal(t, 1, ndup)
	assert.True(t, childPt.Present(addr))
	assert.False(t, childPt.Present(addr+uintptr(mem.PGSIZE)))

	parentPte, _ := parentPt.Lookup(addr)
	childPte, _ := childPt.Lookup(addr)
	assert.NotEqual(t, parentPte&mem.PTE_ADDR, childPte&mem.PTE_ADDR)
}

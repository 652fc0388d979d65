// Package mmapsub implements the demand-paged memory-mapping subsystem:
// the fixed-size mapping-descriptor table shared by every process, and
// the mmap/munmap/page-fault operations that consult it. It deliberately
// does not import the proc package — callers hand it a page table and a
// FileTable collaborator instead, so the process table can depend on
// mmapsub without a cycle.
package mmapsub

import (
	"defs"
	"file"
	"mem"
	"util"
	"vm"
)

/// FileTable resolves a process's open file descriptors, the minimal
/// slice of a process's state mmap needs for file-backed mappings.
type FileTable interface {
	Lookup(fd int) (file.File_i, bool)
}

/// Area_t is one mapping descriptor: a single slot of the shared
/// MAX_MMAP_AREA-sized table, exactly as spec.md's mmap_area is a single
/// slot of a global fixed array.
type Area_t struct {
	valid  bool
	owner  defs.Pid_t
	addr   uintptr
	length int
	prot   int
	flags  int
	f      file.File_i
	offset int
}

/// Owner reports which process this descriptor belongs to; callers use
/// it to find and duplicate a process's areas on fork.
func (a *Area_t) Owner() defs.Pid_t { return a.owner }

/// Table_t is the fixed-capacity mapping-descriptor table, analogous in
/// role (and in sharing a single lock with the rest of kernel state) to
/// proc.Table_t. The caller (proc.Table_t) is expected to hold its own
/// lock across a syscall that touches both tables, exactly as spec.md §5
/// describes a single lock serializing all table mutations; Table_t
/// has no lock of its own.
type Table_t struct {
	areas [defs.MAX_MMAP_AREA]Area_t
}

/// NewTable returns an empty mapping-descriptor table.
func NewTable() *Table_t {
	return &Table_t{}
}


// Mmap installs a new mapping descriptor for owner and, if
// MAP_POPULATE is set, eagerly installs its physical pages, mirroring
// the validation order and populate loop of the teacher's mmap(). The
// effective region is [MMAPBASE+addr, MMAPBASE+addr+length), exactly as
// spec.md §4.3 defines it: addr is caller-supplied, not auto-placed, the
// same convention the teacher's mmap() follows (new_area.addr = addr +
// MMAPBASE).
func (t *Table_t) Mmap(owner defs.Pid_t, pt *vm.Pagetable_t, phys *mem.Physmem_t, addr, length, prot, flags int, fd int, offset int, ft FileTable) (uintptr, defs.Err_t) {
	if addr%mem.PGSIZE != 0 {
		return 0, -defs.EINVAL
	}
	if length <= 0 || length%mem.PGSIZE != 0 {
		return 0, -defs.EINVAL
	}
	anon := flags&defs.MAP_ANONYMOUS != 0
	var f file.File_i
	if !anon {
		ff, ok := ft.Lookup(fd)
		if !ok {
			return 0, -defs.EINVAL
		}
		if prot&defs.PROT_READ != 0 && !ff.Readable() {
			return 0, -defs.EACCES
		}
		if prot&defs.PROT_WRITE != 0 && !ff.Writable() {
			return 0, -defs.EACCES
		}
		f = ff
	}

	slot := -1
	for i := range t.areas {
		if !t.areas[i].valid {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, -defs.EMFILE
	}
	base := uintptr(defs.MMAPBASE) + uintptr(addr)

	area := Area_t{
		valid:  true,
		owner:  owner,
		addr:   base,
		length: length,
		prot:   prot,
		flags:  flags,
		f:      f,
		offset: offset,
	}

	if flags&defs.MAP_POPULATE != 0 {
		if err := populate(pt, phys, &area); err != 0 {
			return 0, err
		}
	}

	t.areas[slot] = area
	return area.addr, 0
}

// populate eagerly installs every page of area, rolling back any pages
// it already installed on failure. Every rollback free goes through
// Pagetable_t.Unmap so the physical address comes from the PTE, never
// from the raw virtual address the original's populate-rollback bug
// passed to kfree (see §9).
func populate(pt *vm.Pagetable_t, phys *mem.Physmem_t, area *Area_t) defs.Err_t {
	perm := mem.PTE_U
	if area.prot&defs.PROT_WRITE != 0 {
		perm |= mem.PTE_W
	}
	npages := util.Roundup(area.length, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < npages; i++ {
		va := area.addr + uintptr(i*mem.PGSIZE)
		pa, ok := phys.AllocZeroed()
		if !ok {
			rollback(pt, phys, area.addr, i)
			return -defs.ENOMEM
		}
		if area.f != nil {
			area.f.Seek(area.offset + i*mem.PGSIZE)
			n, err := area.f.Read(phys.Dmap(pa)[:])
			if err != 0 || n != mem.PGSIZE {
				phys.Free(pa)
				rollback(pt, phys, area.addr, i)
				if err != 0 {
					return err
				}
				return -defs.EIO
			}
		}
		pt.Mappages(va, pa, perm)
	}
	return 0
}

func rollback(pt *vm.Pagetable_t, phys *mem.Physmem_t, base uintptr, npages int) {
	for i := 0; i < npages; i++ {
		va := base + uintptr(i*mem.PGSIZE)
		if pte, ok := pt.Unmap(va); ok {
			phys.Free(pte & mem.PTE_ADDR)
		}
	}
}

// Munmap removes owner's mapping descriptor whose start address is
// exactly addr and frees every physical page it has present, deriving
// each physical address from its PTE rather than from addr — the
// corrected behavior §9 calls for, since the teacher's original passed
// a raw user virtual address to kfree. addr must be page-aligned and
// match a descriptor's start exactly, mirroring find_mmap_area()'s
// `mmap_areas[i].addr == addr` test: an interior address is rejected,
// not resolved to its enclosing region.
func (t *Table_t) Munmap(owner defs.Pid_t, pt *vm.Pagetable_t, phys *mem.Physmem_t, addr uintptr) defs.Err_t {
	if addr%uintptr(mem.PGSIZE) != 0 {
		return -defs.EINVAL
	}
	idx := t.findExact(owner, addr)
	if idx == -1 {
		return -defs.EINVAL
	}
	area := &t.areas[idx]
	npages := util.Roundup(area.length, mem.PGSIZE) / mem.PGSIZE
	for i := 0; i < npages; i++ {
		va := area.addr + uintptr(i*mem.PGSIZE)
		if pte, ok := pt.Unmap(va); ok {
			phys.Free(pte & mem.PTE_ADDR)
		}
	}
	if area.f != nil {
		area.f.Close()
	}
	*area = Area_t{}
	return 0
}

// findExact locates owner's descriptor whose start address is exactly
// addr, the lookup munmap needs (§4.3: "equal to the start of an
// existing descriptor … not an interior address").
func (t *Table_t) findExact(owner defs.Pid_t, addr uintptr) int {
	for i := range t.areas {
		a := &t.areas[i]
		if a.valid && a.owner == owner && a.addr == addr {
			return i
		}
	}
	return -1
}

// find locates owner's descriptor whose range contains addr, the
// lookup PageFault needs: a fault address can land anywhere inside a
// mapping, not just at its start.
func (t *Table_t) find(owner defs.Pid_t, addr uintptr) int {
	for i := range t.areas {
		a := &t.areas[i]
		if !a.valid || a.owner != owner {
			continue
		}
		if addr >= a.addr && addr < a.addr+uintptr(util.Roundup(a.length, mem.PGSIZE)) {
			return i
		}
	}
	return -1
}

// PageFault resolves a fault at addr for owner: it looks up the mapping
// descriptor covering addr, rejects a write fault against a read-only
// mapping, and installs a freshly allocated (and, for file-backed
// mappings, file-populated) page. It returns EFAULT if no mapping
// covers addr, exactly as the teacher's page_fault does for an
// unmapped address.
func (t *Table_t) PageFault(owner defs.Pid_t, pt *vm.Pagetable_t, phys *mem.Physmem_t, addr uintptr, write bool) defs.Err_t {
	fault := util.Rounddown(addr, uintptr(mem.PGSIZE))
	idx := t.find(owner, fault)
	if idx == -1 {
		return -defs.EFAULT
	}
	area := &t.areas[idx]
	if write && area.prot&defs.PROT_WRITE == 0 {
		return -defs.EFAULT
	}
	if pt.Present(fault) {
		return -defs.EFAULT
	}
	pa, ok := phys.AllocZeroed()
	if !ok {
		return -defs.ENOMEM
	}
	if area.f != nil {
		off := area.offset + int(fault-area.addr)
		area.f.Seek(off)
		n, err := area.f.Read(phys.Dmap(pa)[:])
		if err != 0 || n != mem.PGSIZE {
			phys.Free(pa)
			if err != 0 {
				return err
			}
			return -defs.EFAULT
		}
	}
	perm := mem.PTE_U
	if area.prot&defs.PROT_WRITE != 0 {
		perm |= mem.PTE_W
	}
	pt.Mappages(fault, pa, perm)
	return 0
}

// ForkDup duplicates every mapping descriptor owned by parent into an
// entry owned by child, and, for each page the parent currently has
// present, eagerly copies it into the child's page table — the same
// eager-physical-copy model fork uses for the rest of the address
// space, matching spec.md's non-COW fork semantics. It returns the
// number of descriptors duplicated, so a caller tracking a resource
// limit over the mapping table can charge the right amount.
func (t *Table_t) ForkDup(parent, child defs.Pid_t, parentPt, childPt *vm.Pagetable_t, phys *mem.Physmem_t) (int, defs.Err_t) {
	dupped := 0
	for i := range t.areas {
		a := &t.areas[i]
		if !a.valid || a.owner != parent {
			continue
		}
		slot := -1
		for j := range t.areas {
			if !t.areas[j].valid {
				slot = j
				break
			}
		}
		if slot == -1 {
			return dupped, -defs.EMFILE
		}
		dup := *a
		dup.owner = child
		if a.f != nil {
			dup.f = a.f.Dup()
		}
		npages := util.Roundup(a.length, mem.PGSIZE) / mem.PGSIZE
		for k := 0; k < npages; k++ {
			va := a.addr + uintptr(k*mem.PGSIZE)
			pte, ok := parentPt.Lookup(va)
			if !ok || pte&mem.PTE_P == 0 {
				continue
			}
			pa, ok := phys.Alloc()
			if !ok {
				rollback(childPt, phys, a.addr, k)
				if dup.f != nil {
					dup.f.Close()
				}
				return dupped, -defs.ENOMEM
			}
			*phys.Dmap(pa) = *phys.Dmap(pte & mem.PTE_ADDR)
			perm := pte &^ mem.PTE_ADDR &^ mem.PTE_P
			childPt.Mappages(va, pa, perm)
		}
		t.areas[slot] = dup
		dupped++
	}
	return dupped, 0
}

// FreeAll releases every mapping descriptor and physical page owned by
// pid, called from exit() once a process becomes a zombie. It returns
// the number of descriptors released, so a caller tracking a resource
// limit over the mapping table can credit the right amount back.
func (t *Table_t) FreeAll(pid defs.Pid_t, pt *vm.Pagetable_t, phys *mem.Physmem_t) int {
	freed := 0
	for i := range t.areas {
		a := &t.areas[i]
		if !a.valid || a.owner != pid {
			continue
		}
		npages := util.Roundup(a.length, mem.PGSIZE) / mem.PGSIZE
		for k := 0; k < npages; k++ {
			va := a.addr + uintptr(k*mem.PGSIZE)
			if pte, ok := pt.Unmap(va); ok {
				phys.Free(pte & mem.PTE_ADDR)
			}
		}
		if a.f != nil {
			a.f.Close()
		}
		*a = Area_t{}
		freed++
	}
	return freed
}

// Package vm implements the per-process page-table abstraction: the
// walkpgdir/mappages/copyuvm/allocuvm/deallocuvm/freevm collaborator
// interface named in the core's external interfaces. The real MMU
// page-walk is out of scope, so Pagetable_t simulates one in software:
// a sparse map from page-aligned virtual address to PTE value, with the
// PTE packing the same present/writable/user bits the teacher's
// hardware page tables use.
package vm

import (
	"defs"
	"mem"
	"util"
)

/// Pte_t is one page-table entry: a physical frame address packed with
/// PTE_P/PTE_W/PTE_U flags, exactly as the teacher packs a hardware PTE.
type Pte_t = mem.Pa_t

/// Pagetable_i is the minimal page-walk contract the core depends on.
/// A real kernel would back this with hardware page-table walks; here
/// it is backed by Pagetable_t's software simulation.
type Pagetable_i interface {
	Walk(va uintptr, alloc bool) (*Pte_t, bool)
	Lookup(va uintptr) (Pte_t, bool)
	Unmap(va uintptr) (Pte_t, bool)
}

/// Pagetable_t is one process's page table.
type Pagetable_t struct {
	entries map[uintptr]Pte_t
}

/// NewPagetable returns an empty page table, analogous to setupkvm()
/// creating a fresh page directory for a process.
func NewPagetable() *Pagetable_t {
	return &Pagetable_t{entries: make(map[uintptr]Pte_t)}
}

func pground(va uintptr) uintptr {
	return va &^ uintptr(mem.PGOFFSET)
}

/// Walk returns a pointer to a copy of the PTE for va, first creating a
/// zero entry if alloc is set and none exists yet. Writing through the
/// returned pointer does not change the table; Mappages and Unmap do.
/// It mirrors walkpgdir's (pgdir, va, alloc) signature.
func (pt *Pagetable_t) Walk(va uintptr, alloc bool) (*Pte_t, bool) {
	key := pground(va)
	if pte, ok := pt.entries[key]; ok {
		cp := pte
		return &cp, true
	}
	if !alloc {
		return nil, false
	}
	pt.entries[key] = 0
	zero := Pte_t(0)
	return &zero, true
}

/// Lookup returns the raw PTE value installed at va, if any.
func (pt *Pagetable_t) Lookup(va uintptr) (Pte_t, bool) {
	pte, ok := pt.entries[pground(va)]
	return pte, ok
}

/// Mappages installs a PTE for va mapping physical address pa with the
/// given permission bits (which must not include PTE_P; Mappages adds
/// it). It panics on remap, exactly as the teacher's mappages() does,
/// since remapping a present PTE is a fatal invariant violation, not a
/// recoverable error.
func (pt *Pagetable_t) Mappages(va uintptr, pa mem.Pa_t, perm mem.Pa_t) error {
	key := pground(va)
	if old, ok := pt.entries[key]; ok && old&mem.PTE_P != 0 {
		panic("remap")
	}
	pt.entries[key] = (pa &^ mem.PGOFFSET) | perm | mem.PTE_P
	return nil
}

/// Unmap clears the PTE at va, returning its previous value and whether
/// one was present.
func (pt *Pagetable_t) Unmap(va uintptr) (Pte_t, bool) {
	key := pground(va)
	old, ok := pt.entries[key]
	if !ok || old&mem.PTE_P == 0 {
		return 0, false
	}
	delete(pt.entries, key)
	return old, true
}

/// Present reports whether va has a present mapping.
func (pt *Pagetable_t) Present(va uintptr) bool {
	pte, ok := pt.entries[pground(va)]
	return ok && pte&mem.PTE_P != 0
}

// Allocuvm grows a process's user memory from oldsz to newsz, allocating
// and zero-filling a page at a time, mirroring vm.c's allocuvm. It
// returns the new size, or an error and the unchanged size if a frame
// could not be allocated (any pages allocated so far are freed, exactly
// as the teacher's allocuvm rolls back via deallocuvm on failure).
func (pt *Pagetable_t) Allocuvm(phys *mem.Physmem_t, oldsz, newsz int) (int, defs.Err_t) {
	if newsz < oldsz {
		return oldsz, 0
	}
	a := util.Roundup(oldsz, mem.PGSIZE)
	for ; a < newsz; a += mem.PGSIZE {
		pa, ok := phys.AllocZeroed()
		if !ok {
			pt.Deallocuvm(phys, newsz, oldsz)
			return oldsz, -defs.ENOMEM
		}
		pt.Mappages(uintptr(a), pa, mem.PTE_W|mem.PTE_U)
	}
	return newsz, 0
}

// Deallocuvm shrinks user memory from oldsz to newsz, freeing any
// present page in the relinquished range, mirroring vm.c's deallocuvm.
func (pt *Pagetable_t) Deallocuvm(phys *mem.Physmem_t, oldsz, newsz int) int {
	if newsz >= oldsz {
		return oldsz
	}
	a := util.Roundup(newsz, mem.PGSIZE)
	for ; a < oldsz; a += mem.PGSIZE {
		if pa, ok := pt.Unmap(uintptr(a)); ok {
			phys.Free(pa & mem.PTE_ADDR)
		}
	}
	return newsz
}

// Copyuvm creates a physical copy of every present page in [0,sz),
// installing each into a freshly allocated page table with the same
// permission bits. This is the non-COW copy fork.c's original author
// chose and §9 keeps as a deliberate simplification.
func Copyuvm(src *Pagetable_t, sz int, phys *mem.Physmem_t) (*Pagetable_t, defs.Err_t) {
	dst := NewPagetable()
	for a := 0; a < sz; a += mem.PGSIZE {
		pte, ok := src.Lookup(uintptr(a))
		if !ok || pte&mem.PTE_P == 0 {
			continue
		}
		pa, ok := phys.Alloc()
		if !ok {
			dst.Freevm(phys, sz)
			return nil, -defs.ENOMEM
		}
		*phys.Dmap(pa) = *phys.Dmap(pte & mem.PTE_ADDR)
		perm := pte &^ mem.PTE_ADDR &^ mem.PTE_P
		dst.Mappages(uintptr(a), pa, perm)
	}
	return dst, 0
}

/// Freevm frees every present page below sz and discards the page
/// table, mirroring vm.c's freevm.
func (pt *Pagetable_t) Freevm(phys *mem.Physmem_t, sz int) {
	pt.Deallocuvm(phys, sz, 0)
}

// Package proc implements the process table, the weighted fair-share
// scheduler, and process lifecycle (fork/exit/wait/kill) named in the
// core's [MODULE] blocks for the scheduler and process-lifecycle
// components. It owns the single lock that serializes every table
// mutation, and embeds an mmapsub.Table_t so mmap/munmap/page-fault
// share that same lock, exactly as spec.md §5 requires.
package proc

import (
	"fmt"
	"sync"

	"caller"
	"defs"
	"file"
	"klog"
	"limits"
	"mem"
	"mmapsub"
	"ustr"
	"vm"
)

// WeightTable is the CFS nice-to-weight table: WeightTable[nice] is a
// process's scheduling weight. Index 20 (the default nice value) maps
// to 1024, the reference weight every other process's time slice and
// vruntime scaling is computed relative to. Values below index 20 are
// the standard nice -20..-1 weights (biggest share); above are nice
// 1..19's (smallest share).
var WeightTable = [40]uint32{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

const vruntimeOverflow uint32 = 4294967295

/// Proc_t is one process control block: one slot of the fixed-size
/// process table.
type Proc_t struct {
	pid     defs.Pid_t
	ppid    defs.Pid_t
	state   defs.Pstate_t
	name    ustr.Ustr
	nice    int
	weight  uint32
	runtime uint64
	vruntime uint32
	carry    uint32
	timeSlice uint32
	sz      int
	killed  bool
	pt      *vm.Pagetable_t
	ofile   [defs.NOFILE]file.File_i

	sleepchan interface{}
	cpuid     int

	fn     func(cur *Proc_t)
	runCh  chan struct{}
	backCh chan struct{}
	done   bool
}

/// Pid returns the process's identifier.
func (p *Proc_t) Pid() defs.Pid_t { return p.pid }

/// State returns the process's lifecycle state.
func (p *Proc_t) State() defs.Pstate_t { return p.state }

/// Runtime returns the process's accumulated runtime in µ-ticks.
func (p *Proc_t) Runtime() uint64 { return p.runtime }

/// Lookup implements mmapsub.FileTable: resolving a file descriptor to
/// its open file, the only slice of process state mmapsub needs.
func (p *Proc_t) Lookup(fd int) (file.File_i, bool) {
	if fd < 0 || fd >= defs.NOFILE || p.ofile[fd] == nil {
		return nil, false
	}
	return p.ofile[fd], true
}

/// AddFile installs f at the lowest free descriptor, returning -EMFILE
/// if the table is full.
func (p *Proc_t) AddFile(f file.File_i) (int, defs.Err_t) {
	for i := range p.ofile {
		if p.ofile[i] == nil {
			p.ofile[i] = f
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

/// Cpu_t holds the state owned exclusively by one simulated CPU's
/// goroutine: the process it is currently running. Because only that
/// goroutine ever touches it, it needs no lock of its own, the hosted
/// analogue of the teacher's pushcli-protected per-CPU struct.
type Cpu_t struct {
	id      int
	running *Proc_t
}

/// Table_t is the fixed-capacity process table plus the mapping table
/// it shares a lock with.
type Table_t struct {
	mu      sync.Mutex
	procs   [defs.NPROC]*Proc_t
	nextpid defs.Pid_t
	ticks   uint32
	mmap    *mmapsub.Table_t
	phys    *mem.Physmem_t
	cpus    []*Cpu_t
	lim     *limits.Syslimit_t
	stats   SchedStats_t

	faultCallers caller.Distinct_caller_t
}

// EnableFaultCallerTracing turns on tracking of distinct call chains
// that trigger a failing page fault, so a flood of EFAULTs from one
// code path logs once instead of once per fault.
func (t *Table_t) EnableFaultCallerTracing() {
	t.faultCallers.Enabled = true
}

/// NewTable builds an empty process table backed by phys for physical
/// page allocation, with its own resource-limit counters sized to the
/// table's fixed capacity.
func NewTable(phys *mem.Physmem_t, ncpu int) *Table_t {
	t := &Table_t{
		mmap:    mmapsub.NewTable(),
		phys:    phys,
		nextpid: 1,
		lim:     limits.MkSysLimit(defs.NPROC, defs.MAX_MMAP_AREA),
	}
	t.cpus = make([]*Cpu_t, ncpu)
	for i := range t.cpus {
		t.cpus[i] = &Cpu_t{id: i}
	}
	t.EnableFaultCallerTracing()
	return t
}

// findSlot reserves a free process-table slot, consulting the
// Sysprocs resource limit first so AllocProc's EMFILE failures come
// from the same accounting a real kernel would check before ever
// scanning the table.
func (t *Table_t) findSlot() (*Proc_t, defs.Err_t) {
	if !t.lim.Sysprocs.Take() {
		return nil, -defs.EMFILE
	}
	for i := range t.procs {
		if t.procs[i] == nil {
			p := &Proc_t{state: defs.EMBRYO, runCh: make(chan struct{}), backCh: make(chan struct{})}
			t.procs[i] = p
			return p, 0
		}
	}
	t.lim.Sysprocs.Give()
	return nil, -defs.EMFILE
}

// AllocProc reserves a process-table slot for a new process with the
// given name and nice value, assigns it the next pid, and sets up its
// weight and initial zeroed vruntime, mirroring allocproc().
func (t *Table_t) AllocProc(name string, nice int) (*Proc_t, defs.Err_t) {
	if len(name) > 15 {
		return nil, -defs.ENAMETOOLONG
	}
	if nice < defs.MinNice || nice > defs.MaxNice {
		return nil, -defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.findSlot()
	if err != 0 {
		return nil, err
	}
	p.pid = t.nextpid
	t.nextpid++
	p.name = ustr.MkUstrSlice(append([]byte(name), 0))
	p.nice = nice
	p.weight = WeightTable[nice]
	p.vruntime = 0
	p.carry = 0
	p.pt = vm.NewPagetable()
	return p, 0
}

// UserInit creates the first process (init, pid 1, ppid 0) and marks it
// RUNNABLE, mirroring userinit(). fn is the body the process's
// goroutine runs once dispatched by a CPULoop.
func (t *Table_t) UserInit(fn func(cur *Proc_t)) (*Proc_t, defs.Err_t) {
	p, err := t.AllocProc("initproc", defs.DefaultNice)
	if err != 0 {
		return nil, err
	}
	t.mu.Lock()
	p.ppid = 0
	p.state = defs.RUNNABLE
	p.fn = fn
	t.recomputeTimeSlices()
	t.mu.Unlock()
	t.spawn(p)
	return p, 0
}

func (t *Table_t) spawn(p *Proc_t) {
	go func() {
		<-p.runCh
		if p.fn != nil {
			p.fn(p)
		}
		t.doExit(p, 0)
	}()
}

// Fork duplicates cur's address space (eager physical copy, not
// copy-on-write, per §9) and mmap areas into a new EMBRYO process,
// marks it RUNNABLE, and returns its pid to the parent, mirroring
// fork(). fn is the child's goroutine body.
func (t *Table_t) Fork(cur *Proc_t, fn func(cur *Proc_t)) (defs.Pid_t, defs.Err_t) {
	child, err := t.AllocProc(cur.name.String(), cur.nice)
	if err != 0 {
		return 0, err
	}

	t.mu.Lock()
	newpt, cerr := vm.Copyuvm(cur.pt, cur.sz, t.phys)
	if cerr != 0 {
		t.procs[t.indexOf(child)] = nil
		t.lim.Sysprocs.Give()
		t.mu.Unlock()
		return 0, cerr
	}
	child.pt = newpt
	child.sz = cur.sz
	child.ppid = cur.pid
	child.vruntime = cur.vruntime
	child.carry = cur.carry
	for i, f := range cur.ofile {
		if f != nil {
			child.ofile[i] = f.Dup()
		}
	}
	ndup, merr := t.mmap.ForkDup(cur.pid, child.pid, cur.pt, child.pt, t.phys)
	if merr != 0 {
		t.mmap.FreeAll(child.pid, child.pt, t.phys)
		for _, f := range child.ofile {
			if f != nil {
				f.Close()
			}
		}
		child.pt.Freevm(t.phys, child.sz)
		t.procs[t.indexOf(child)] = nil
		t.lim.Sysprocs.Give()
		t.mu.Unlock()
		return 0, merr
	}
	if ndup > 0 && !t.lim.Mmapareas.Taken(uint(ndup)) {
		t.mmap.FreeAll(child.pid, child.pt, t.phys)
		for _, f := range child.ofile {
			if f != nil {
				f.Close()
			}
		}
		child.pt.Freevm(t.phys, child.sz)
		t.procs[t.indexOf(child)] = nil
		t.lim.Sysprocs.Give()
		t.mu.Unlock()
		return 0, -defs.EMFILE
	}
	child.state = defs.RUNNABLE
	child.fn = fn
	t.stats.Forks.Inc()
	t.recomputeTimeSlices()
	t.mu.Unlock()

	t.spawn(child)
	return child.pid, 0
}

func (t *Table_t) indexOf(p *Proc_t) int {
	for i := range t.procs {
		if t.procs[i] == p {
			return i
		}
	}
	return -1
}

/// Getpid returns cur's pid.
func (t *Table_t) Getpid(cur *Proc_t) defs.Pid_t { return cur.pid }

/// Getpname returns cur's name.
func (t *Table_t) Getpname(cur *Proc_t) string { return cur.name.String() }

/// Getnice returns cur's nice value.
func (t *Table_t) Getnice(cur *Proc_t) int { return cur.nice }

// Setnice changes target's nice value and rescales its weight, leaving
// its accumulated vruntime untouched (only future accounting uses the
// new weight), mirroring setnice().
func (t *Table_t) Setnice(target *Proc_t, nice int) defs.Err_t {
	if nice < defs.MinNice || nice > defs.MaxNice {
		return -defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	target.nice = nice
	target.weight = WeightTable[nice]
	t.recomputeTimeSlices()
	return 0
}

// GetpnamePid resolves pid to its process name, mirroring getpname(pid)'s
// external contract directly (§6) rather than the already-resolved-
// Proc_t convenience Getpname takes: a trap-layer syscall handler only
// has a pid argument, not a *Proc_t, until it looks one up.
func (t *Table_t) GetpnamePid(pid defs.Pid_t) (string, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.findByPid(pid)
	if p == nil {
		return "", -defs.ESRCH
	}
	return p.name.String(), 0
}

// GetnicePid resolves pid to its nice value, mirroring getnice(pid)'s
// −1-on-bad-pid external contract (§6).
func (t *Table_t) GetnicePid(pid defs.Pid_t) int {
	if pid <= 0 {
		return -1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.findByPid(pid)
	if p == nil {
		return -1
	}
	return p.nice
}

// SetnicePid resolves pid and applies Setnice's validation and weight
// update, mirroring setnice(pid, value)'s external contract (§6): both
// an invalid pid and an out-of-range value return EINVAL, matching the
// teacher's single −1 return for either failure.
func (t *Table_t) SetnicePid(pid defs.Pid_t, nice int) defs.Err_t {
	if pid <= 0 {
		return -defs.EINVAL
	}
	if nice < defs.MinNice || nice > defs.MaxNice {
		return -defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.findByPid(pid)
	if p == nil {
		return -defs.EINVAL
	}
	p.nice = nice
	p.weight = WeightTable[nice]
	t.recomputeTimeSlices()
	return 0
}

/// Uptime returns the scheduler's tick counter.
func (t *Table_t) Uptime() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// SleepN blocks cur until n ticks have elapsed, waking on every
// dispatch tick to recheck, mirroring sys_sleep()'s loop over
// sleep(&ticks, &tickslock): it rechecks the elapsed count each wake
// rather than sleeping for the whole duration in one step, so a kill
// delivered mid-sleep is noticed within one tick instead of blocking to
// completion. Returns -EINTR if cur is killed before n ticks elapse.
func (t *Table_t) SleepN(cur *Proc_t, n int) defs.Err_t {
	if n <= 0 {
		return 0
	}
	t.mu.Lock()
	start := t.ticks
	t.mu.Unlock()

	for {
		t.mu.Lock()
		elapsed := t.ticks - start
		killed := cur.killed
		t.mu.Unlock()
		if killed {
			return -defs.EINTR
		}
		if elapsed >= uint32(n) {
			return 0
		}
		t.Sleep(cur, &t.ticks)
	}
}

// Sbrk grows or shrinks cur's address space by n bytes, mirroring
// growproc()'s use of allocuvm/deallocuvm, and returns the address
// where the growth started (sbrk's traditional return value).
func (t *Table_t) Sbrk(cur *Proc_t, n int) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := cur.sz
	if n >= 0 {
		newsz, err := cur.pt.Allocuvm(t.phys, old, old+n)
		if err != 0 {
			return 0, err
		}
		cur.sz = newsz
	} else {
		cur.sz = cur.pt.Deallocuvm(t.phys, old, old+n)
	}
	return old, 0
}

// Mmap installs a new mapping for cur, delegating to the shared
// mmapsub.Table_t under the process table's own lock, exactly as §5
// requires a single lock over both tables. It first takes a slot from
// the Mmapareas resource limit, the same accounting AllocProc does
// against Sysprocs.
func (t *Table_t) Mmap(cur *Proc_t, addr, length, prot, flags, fd, offset int) (uintptr, defs.Err_t) {
	if !t.lim.Mmapareas.Take() {
		return 0, -defs.EMFILE
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	vaddr, err := t.mmap.Mmap(cur.pid, cur.pt, t.phys, addr, length, prot, flags, fd, offset, cur)
	if err != 0 {
		t.lim.Mmapareas.Give()
	}
	return vaddr, err
}

/// Munmap removes cur's mapping whose start address is exactly addr
/// (an interior address is rejected), returning its slot to
/// the Mmapareas resource limit.
func (t *Table_t) Munmap(cur *Proc_t, addr uintptr) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.mmap.Munmap(cur.pid, cur.pt, t.phys, addr)
	if err == 0 {
		t.lim.Mmapareas.Give()
	}
	return err
}

/// PageFault resolves a fault at addr for cur.
func (t *Table_t) PageFault(cur *Proc_t, addr uintptr, write bool) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.mmap.PageFault(cur.pid, cur.pt, t.phys, addr, write)
	if err == 0 {
		t.stats.Faults.Inc()
	} else {
		t.stats.FaultFails.Inc()
		if novel, trace := t.faultCallers.Distinct(); novel {
			klog.Boot("new failing page-fault call chain:\n" + trace)
		}
	}
	klog.Fault(int(cur.pid), addr, write, err == 0)
	return err
}

/// Freemem returns the count of free physical pages.
func (t *Table_t) Freemem() int {
	return t.phys.Freemem()
}

/// DebugDump prints every in-use process's pid, state and name, using
/// go-spew for the full struct detail when verbose is set, mirroring
/// procdump()'s diagnostic role.
func (t *Table_t) DebugDump(verbose bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := ""
	for _, p := range t.procs {
		if p == nil || p.state == defs.UNUSED {
			continue
		}
		out += fmt.Sprintf("%d %s %s\n", p.pid, p.state, p.name)
		if verbose {
			out += spewDump(p)
		}
	}
	return out
}

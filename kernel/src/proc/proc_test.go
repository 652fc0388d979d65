package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defs"
	"file"
	"mem"
)

func newTestTable(t *testing.T) *Table_t {
	t.Helper()
	phys := mem.NewPhysmem(256)
	return NewTable(phys, 1)
}

func runTable(t *Table_t, stop chan struct{}) {
	go t.CPULoop(0, stop)
}

func TestAllocProcAssignsIncreasingPids(t *testing.T) {
	tbl := newTestTable(t)
	p1, err := tbl.AllocProc("a", defs.DefaultNice)
	require.Equal(t, defs.Err_t(0), err)
	p2, err := tbl.AllocProc("b", defs.DefaultNice)
	require.Equal(t, defs.Err_t(0), err)
	assert.Less(t, p1.Pid(), p2.Pid())
	assert.Equal(t, WeightTable[defs.DefaultNice], p1.weight)
}

func TestAllocProcRejectsBadNice(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.AllocProc("x", defs.MaxNice+1)
	assert.Equal(t, -defs.EINVAL, err)
}

func TestProcTableFillsUp(t *testing.T) {
	tbl := newTestTable(t)
	var lastErr defs.Err_t
	for i := 0; i < defs.NPROC+1; i++ {
		_, err := tbl.AllocProc("p", defs.DefaultNice)
		lastErr = err
	}
	assert.Equal(t, -defs.EMFILE, lastErr)
}

func TestForkWaitExit(t *testing.T) {
	tbl := newTestTable(t)
	stop := make(chan struct{})
	defer close(stop)
	runTable(tbl, stop)

	done := make(chan struct{})
	_, err := tbl.UserInit(func(cur *Proc_t) {
		defer close(done)
		childPid, ferr := tbl.Fork(cur, func(child *Proc_t) {
			tbl.Yield(child)
		})
		require.Equal(t, defs.Err_t(0), ferr)

		reaped, werr := tbl.Wait(cur)
		require.Equal(t, defs.Err_t(0), werr)
		assert.Equal(t, childPid, reaped)

		_, werr = tbl.Wait(cur)
		assert.Equal(t, -defs.ESRCH, werr)
	})
	require.Equal(t, defs.Err_t(0), err)
	<-done
}

func TestSetniceRejectsOutOfRange(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.AllocProc("p", defs.DefaultNice)
	assert.Equal(t, -defs.EINVAL, tbl.Setnice(p, -1))
	assert.Equal(t, -defs.EINVAL, tbl.Setnice(p, 40))
	assert.Equal(t, defs.Err_t(0), tbl.Setnice(p, 0))
	assert.Equal(t, WeightTable[0], p.weight)
}

func TestMinProcPrefersSmallerVruntimeThenLargerNice(t *testing.T) {
	tbl := newTestTable(t)
	a, _ := tbl.AllocProc("a", defs.DefaultNice)
	b, _ := tbl.AllocProc("b", defs.DefaultNice)
	a.state = defs.RUNNABLE
	b.state = defs.RUNNABLE
	a.vruntime = 100
	b.vruntime = 50
	assert.Same(t, b, tbl.minProc())

	b.vruntime = 100
	a.nice = 10
	b.nice = 20
	assert.Same(t, b, tbl.minProc())
}

func TestMinProcLowerCarryWinsRegardlessOfVruntime(t *testing.T) {
	tbl := newTestTable(t)
	a, _ := tbl.AllocProc("a", defs.DefaultNice)
	b, _ := tbl.AllocProc("b", defs.DefaultNice)
	a.state = defs.RUNNABLE
	b.state = defs.RUNNABLE
	a.carry = 0
	a.vruntime = 4000000000
	b.carry = 1
	b.vruntime = 10
	assert.Same(t, a, tbl.minProc())
}

func TestRebaseWakeVruntimeEmptyRunqueueResetsToZero(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.AllocProc("p", defs.DefaultNice)
	p.vruntime = 555
	p.carry = 3
	tbl.rebaseWakeVruntime(p)
	assert.Equal(t, uint32(0), p.vruntime)
	assert.Equal(t, uint32(0), p.carry)
}

func TestRebaseWakeVruntimeFloorsAtZero(t *testing.T) {
	tbl := newTestTable(t)
	min, _ := tbl.AllocProc("min", defs.DefaultNice)
	min.state = defs.RUNNABLE
	min.vruntime = 10

	waker, _ := tbl.AllocProc("waker", defs.DefaultNice)
	tbl.rebaseWakeVruntime(waker)
	assert.Equal(t, uint32(0), waker.vruntime)
}

func TestCalcTimeSliceProportionalToWeight(t *testing.T) {
	total := WeightTable[defs.DefaultNice] * 2
	ts := calcTimeSlice(WeightTable[defs.DefaultNice], total)
	assert.Equal(t, uint32(500), ts)
}

func TestKillWakesSleepingProcess(t *testing.T) {
	tbl := newTestTable(t)
	stop := make(chan struct{})
	defer close(stop)
	runTable(tbl, stop)

	woken := make(chan struct{})
	aboutToSleep := make(chan struct{})
	chanv := new(int)
	_, err := tbl.UserInit(func(cur *Proc_t) {
		defer close(woken)
		close(aboutToSleep)
		tbl.Sleep(cur, chanv)
	})
	require.Equal(t, defs.Err_t(0), err)

	<-aboutToSleep
	assert.Eventually(t, func() bool {
		init := tbl.findByPid(1)
		return init != nil && init.State() == defs.SLEEPING
	}, time.Second, time.Millisecond)
	assert.Equal(t, defs.Err_t(0), tbl.Kill(1))
	<-woken
}

// TestForkDuplicatesMappingsAndFreememConserves drives the "Fork with
// mappings" scenario from spec.md §8: four mmap calls at distinct
// non-overlapping addr offsets (file+populate, anon no-populate, file
// no-populate, anon+populate), then a fork; the child faults in its
// lazy regions and unmaps all four, the parent unmaps its own four, and
// freemem returns to its pre-mmap value once both are done.
func TestForkDuplicatesMappingsAndFreememConserves(t *testing.T) {
	tbl := newTestTable(t)
	stop := make(chan struct{})
	defer close(stop)
	runTable(tbl, stop)

	content := make([]byte, 32*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	backing := file.NewMemFile(content, true, false)

	base := tbl.Freemem()
	done := make(chan struct{})
	_, err := tbl.UserInit(func(cur *Proc_t) {
		defer close(done)
		fd, aerr := cur.AddFile(backing)
		require.Equal(t, defs.Err_t(0), aerr)

		addr0, e0 := tbl.Mmap(cur, 0, mem.PGSIZE, defs.PROT_READ, defs.MAP_POPULATE, fd, 1024)
		require.Equal(t, defs.Err_t(0), e0)
		addr1, e1 := tbl.Mmap(cur, mem.PGSIZE, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, -1, 0)
		require.Equal(t, defs.Err_t(0), e1)
		addr2, e2 := tbl.Mmap(cur, 2*mem.PGSIZE, 2*mem.PGSIZE, defs.PROT_READ, 0, fd, 0)
		require.Equal(t, defs.Err_t(0), e2)
		addr3, e3 := tbl.Mmap(cur, 4*mem.PGSIZE, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS|defs.MAP_POPULATE, -1, 0)
		require.Equal(t, defs.Err_t(0), e3)

		childDone := make(chan struct{})
		_, ferr := tbl.Fork(cur, func(child *Proc_t) {
			defer close(childDone)
			require.Equal(t, defs.Err_t(0), tbl.PageFault(child, addr1, true))
			require.Equal(t, defs.Err_t(0), tbl.PageFault(child, addr2, false))

			assert.Equal(t, defs.Err_t(0), tbl.Munmap(child, addr0))
			assert.Equal(t, defs.Err_t(0), tbl.Munmap(child, addr1))
			assert.Equal(t, defs.Err_t(0), tbl.Munmap(child, addr2))
			assert.Equal(t, defs.Err_t(0), tbl.Munmap(child, addr3))
		})
		require.Equal(t, defs.Err_t(0), ferr)

		_, werr := tbl.Wait(cur)
		require.Equal(t, defs.Err_t(0), werr)
		<-childDone

		assert.Equal(t, defs.Err_t(0), tbl.Munmap(cur, addr0))
		assert.Equal(t, defs.Err_t(0), tbl.Munmap(cur, addr1))
		assert.Equal(t, defs.Err_t(0), tbl.Munmap(cur, addr2))
		assert.Equal(t, defs.Err_t(0), tbl.Munmap(cur, addr3))
	})
	require.Equal(t, defs.Err_t(0), err)
	<-done

	assert.Equal(t, base, tbl.Freemem())
}

// TestPageFaultOnUnmappedAddrRecordsDistinctCallerOnce drives a failing
// page fault through Table_t.PageFault, the real call path that enables
// and consults faultCallers (NewTable calls EnableFaultCallerTracing by
// default). It checks that the first failing fault is recorded as a
// novel call chain and a repeat fault from the same call site is not,
// exercising Distinct_caller_t's dedup behavior end to end rather than
// only in caller's own package tests.
func TestPageFaultOnUnmappedAddrRecordsDistinctCallerOnce(t *testing.T) {
	tbl := newTestTable(t)
	stop := make(chan struct{})
	defer close(stop)
	runTable(tbl, stop)

	done := make(chan struct{})
	_, err := tbl.UserInit(func(cur *Proc_t) {
		defer close(done)
		unmapped := uintptr(defs.MMAPBASE) + 16*uintptr(mem.PGSIZE)

		// Both faults are issued from the same line so their call
		// chains are identical.
		var errs [2]defs.Err_t
		var lens [2]int
		for i := range errs {
			errs[i] = tbl.PageFault(cur, unmapped, false)
			lens[i] = tbl.faultCallers.Len()
		}

		assert.Equal(t, -defs.EFAULT, errs[0])
		assert.Equal(t, 1, lens[0])

		assert.Equal(t, -defs.EFAULT, errs[1])
		assert.Equal(t, 1, lens[1])
	})
	require.Equal(t, defs.Err_t(0), err)
	<-done
}

func TestPidBasedAccessorsMatchProcHandleVariants(t *testing.T) {
	tbl := newTestTable(t)
	p, _ := tbl.AllocProc("worker", defs.DefaultNice)

	name, err := tbl.GetpnamePid(p.Pid())
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "worker", name)

	assert.Equal(t, defs.DefaultNice, tbl.GetnicePid(p.Pid()))
	assert.Equal(t, defs.Err_t(0), tbl.SetnicePid(p.Pid(), 5))
	assert.Equal(t, 5, tbl.GetnicePid(p.Pid()))
	assert.Equal(t, WeightTable[5], p.weight)
}

func TestPidBasedAccessorsRejectUnknownOrBadValue(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.GetpnamePid(999)
	assert.Equal(t, -defs.ESRCH, err)
	assert.Equal(t, -1, tbl.GetnicePid(999))
	assert.Equal(t, -defs.EINVAL, tbl.SetnicePid(999, 5))

	p, _ := tbl.AllocProc("p", defs.DefaultNice)
	assert.Equal(t, -defs.EINVAL, tbl.SetnicePid(p.Pid(), 40))
}

func TestSleepNReturnsOnceTicksElapse(t *testing.T) {
	tbl := newTestTable(t)
	stop := make(chan struct{})
	defer close(stop)
	runTable(tbl, stop)
	go tbl.TickerLoop(time.Millisecond, stop)

	done := make(chan struct{})
	var sleepErr defs.Err_t
	_, err := tbl.UserInit(func(cur *Proc_t) {
		defer close(done)
		sleepErr = tbl.SleepN(cur, 3)
	})
	require.Equal(t, defs.Err_t(0), err)
	<-done
	assert.Equal(t, defs.Err_t(0), sleepErr)
	assert.GreaterOrEqual(t, tbl.Uptime(), uint32(3))
}

func TestSleepNInterruptedByKillReturnsEintr(t *testing.T) {
	tbl := newTestTable(t)
	stop := make(chan struct{})
	defer close(stop)
	runTable(tbl, stop)
	go tbl.TickerLoop(time.Millisecond, stop)

	aboutToSleep := make(chan struct{})
	done := make(chan struct{})
	var sleepErr defs.Err_t
	_, err := tbl.UserInit(func(cur *Proc_t) {
		defer close(done)
		close(aboutToSleep)
		sleepErr = tbl.SleepN(cur, 1_000_000)
	})
	require.Equal(t, defs.Err_t(0), err)

	<-aboutToSleep
	assert.Eventually(t, func() bool {
		init := tbl.findByPid(1)
		return init != nil && init.State() == defs.SLEEPING
	}, time.Second, time.Millisecond)
	assert.Equal(t, defs.Err_t(0), tbl.Kill(1))
	<-done
	assert.Equal(t, -defs.EINTR, sleepErr)
}

func TestAdjustVruntimeFoldsCarry(t *testing.T) {
	s0 := adjustVruntime(0, 0)
	assert.Equal(t, "0", s0)

	s1 := adjustVruntime(0, 1)
	assert.Equal(t, "4294967295", s1)

	s2 := adjustVruntime(5, 1)
	assert.Equal(t, "4294967300", s2)
}

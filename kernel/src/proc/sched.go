package proc

import (
	"runtime"
	"time"

	"defs"
	"klog"
)

// accountRuntime charges cur for the run that is ending: it adds cur's
// time slice (as computed when it was dispatched) to runtime, and that
// slice scaled by the reference weight over cur's own weight to
// vruntime. The charge is always the whole time slice; the number of
// ticks that elapsed while cur ran is not measured. Overflow past a 32-bit vruntime increments carry, the real wraparound
// this core tracks (distinct from the decimal carry-folding Ps uses
// purely for display, see adjustVruntime). Callers must hold t.mu.
func (t *Table_t) accountRuntime(cur *Proc_t) {
	if cur.weight == 0 || cur.timeSlice == 0 {
		return
	}
	cur.runtime += uint64(cur.timeSlice)
	delta := uint64(cur.timeSlice) * uint64(WeightTable[defs.DefaultNice]) / uint64(cur.weight)
	sum := uint64(cur.vruntime) + delta
	for sum > 0xFFFFFFFF {
		sum -= 0x100000000
		cur.carry++
	}
	cur.vruntime = uint32(sum)
}

// totalWeight sums the weight of every RUNNABLE process, including the
// one about to be dispatched (it is still RUNNABLE at the point the
// scheduler computes its time slice). Callers must hold t.mu.
func (t *Table_t) totalWeight() uint32 {
	var total uint32
	for _, p := range t.procs {
		if p != nil && p.state == defs.RUNNABLE {
			total += p.weight
		}
	}
	return total
}

// calcTimeSlice computes a process's share of 1000 ticks proportional
// to its weight over the total runnable weight, mirroring
// calculate_timeSlice(). A process never gets a zero slice.
func calcTimeSlice(weight, total uint32) uint32 {
	if total == 0 {
		return 1000
	}
	ts := uint32(uint64(1000) * uint64(weight) / uint64(total))
	if ts == 0 {
		ts = 1
	}
	return ts
}

// recomputeTimeSlices recalculates every RUNNABLE process's timeSlice
// against the current total runnable weight, mirroring the teacher's
// calculate_timeSlice() being called again after every change to the
// runnable set (fork, wakeup, sleep, exit, setnice). Callers must hold
// t.mu.
func (t *Table_t) recomputeTimeSlices() {
	total := t.totalWeight()
	for _, p := range t.procs {
		if p != nil && p.state == defs.RUNNABLE {
			p.timeSlice = calcTimeSlice(p.weight, total)
		}
	}
}

// minProc picks the RUNNABLE process minimizing (carry, vruntime)
// lexicographically, breaking ties in favor of the larger nice value
// (the least urgent process, left to wait longest), mirroring
// min_proc(). Callers must hold t.mu.
func (t *Table_t) minProc() *Proc_t {
	var min *Proc_t
	for _, p := range t.procs {
		if p == nil || p.state != defs.RUNNABLE {
			continue
		}
		switch {
		case min == nil:
			min = p
		case p.carry < min.carry:
			min = p
		case p.carry == min.carry && p.vruntime < min.vruntime:
			min = p
		case p.carry == min.carry && p.vruntime == min.vruntime && p.nice > min.nice:
			min = p
		}
	}
	return min
}

// rebaseWakeVruntime gives a waking process a vruntime close to the
// current minimum so it doesn't have to wait a full scheduling round to
// be chosen, nor unfairly preempt everything else. If the run queue is
// empty it resets to zero rather than dereferencing a nonexistent
// minimum, the null-deref fix spec.md §9 calls for; it also floors at
// zero rather than go negative. Callers must hold t.mu.
func (t *Table_t) rebaseWakeVruntime(p *Proc_t) {
	m := t.minProc()
	if m == nil {
		p.vruntime = 0
		p.carry = 0
		return
	}
	if p.weight == 0 {
		p.vruntime = m.vruntime
		p.carry = m.carry
		return
	}
	delta := uint32(1024000 / p.weight)
	p.carry = m.carry
	if m.vruntime < delta {
		p.vruntime = 0
	} else {
		p.vruntime = m.vruntime - delta
	}
}

// CPULoop is one simulated CPU's scheduler loop: it repeatedly chooses
// the minimum RUNNABLE process, computes its time slice, dispatches it
// by unblocking its goroutine on runCh, and blocks on backCh until that
// process yields, sleeps or exits. This is the hosted analogue of the
// teacher's scheduler()/swtch() pair: there is no real timer interrupt
// to preempt a process mid-slice, so dispatch is cooperative — a
// process's own goroutine decides when to call Yield, Sleep or exit.
func (t *Table_t) CPULoop(cpuid int, stop <-chan struct{}) {
	cpu := t.cpus[cpuid]
	for {
		select {
		case <-stop:
			return
		default:
		}

		t.mu.Lock()
		p := t.minProc()
		if p == nil {
			t.mu.Unlock()
			runtime.Gosched()
			continue
		}
		total := t.totalWeight()
		p.timeSlice = calcTimeSlice(p.weight, total)
		p.state = defs.RUNNING
		p.cpuid = cpuid
		cpu.running = p
		t.ticks++
		t.stats.Dispatches.Inc()
		t.mu.Unlock()

		t.Wakeup(&t.ticks)
		klog.Sched(cpuid, int(p.pid), p.name.String(), p.timeSlice)
		p.runCh <- struct{}{}
		<-p.backCh
		cpu.running = nil
	}
}

// Tick advances the core's monotonic tick counter by one and wakes
// every process sleeping on it (SleepN's wait loop). It models the
// timer-interrupt source §1 names as an external collaborator: unlike
// CPULoop's own per-dispatch increment (time spent actually running a
// process), Tick advances wall-clock time regardless of whether
// anything is runnable, so a solitary sleeper is never stranded with
// no dispatcher left to advance the clock for it.
func (t *Table_t) Tick() {
	t.mu.Lock()
	t.ticks++
	t.mu.Unlock()
	t.Wakeup(&t.ticks)
}

// TickerLoop drives Tick once per interval until stop closes, the
// hosted analogue of the periodic timer interrupt.
func (t *Table_t) TickerLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Yield voluntarily gives up cur's remaining time slice, folding the
// slice just run into its vruntime and marking it RUNNABLE again, then
// blocking cur's goroutine until a CPULoop redispatches it. Must be
// called from cur's own goroutine.
func (t *Table_t) Yield(cur *Proc_t) {
	t.mu.Lock()
	t.accountRuntime(cur)
	cur.state = defs.RUNNABLE
	t.recomputeTimeSlices()
	t.mu.Unlock()

	cur.backCh <- struct{}{}
	<-cur.runCh
}

// Sleep blocks cur on chanv until a matching Wakeup, folding its
// time slice into runtime and vruntime first, mirroring sleep(). Must be
// called from cur's own goroutine.
func (t *Table_t) Sleep(cur *Proc_t, chanv interface{}) {
	t.mu.Lock()
	t.accountRuntime(cur)
	cur.state = defs.SLEEPING
	cur.sleepchan = chanv
	t.recomputeTimeSlices()
	t.mu.Unlock()

	cur.backCh <- struct{}{}
	<-cur.runCh
}

// Wakeup moves every process sleeping on chanv back to RUNNABLE,
// rebasing its vruntime, mirroring wakeup()/wakeup1().
func (t *Table_t) Wakeup(chanv interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	woke := false
	for _, p := range t.procs {
		if p != nil && p.state == defs.SLEEPING && p.sleepchan == chanv {
			t.rebaseWakeVruntime(p)
			p.state = defs.RUNNABLE
			p.sleepchan = nil
			woke = true
		}
	}
	if woke {
		t.recomputeTimeSlices()
	}
}

// Kill marks pid for termination, waking it immediately if it is
// sleeping so it can notice the kill and exit, mirroring kill().
func (t *Table_t) Kill(pid defs.Pid_t) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p != nil && p.pid == pid && p.state != defs.UNUSED {
			p.killed = true
			if p.state == defs.SLEEPING {
				t.rebaseWakeVruntime(p)
				p.state = defs.RUNNABLE
				p.sleepchan = nil
				t.recomputeTimeSlices()
			}
			return 0
		}
	}
	return -defs.ESRCH
}

/// Killed reports whether cur has been marked for termination.
func (t *Table_t) Killed(cur *Proc_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cur.killed
}

func (t *Table_t) findByPid(pid defs.Pid_t) *Proc_t {
	for _, p := range t.procs {
		if p != nil && p.pid == pid && p.state != defs.UNUSED {
			return p
		}
	}
	return nil
}

// Exit voluntarily terminates cur: open files are closed, its mmap
// areas and address space are freed, its children are reparented to
// init, and its parent is woken. status is not recorded; Wait reports
// only the child's pid.
// Must be called from cur's own goroutine; cur's goroutine returns
// immediately after, it is never redispatched.
func (t *Table_t) Exit(cur *Proc_t, status int) {
	t.doExit(cur, status)
}

func (t *Table_t) doExit(cur *Proc_t, status int) {
	t.mu.Lock()
	if cur.state == defs.ZOMBIE {
		t.mu.Unlock()
		return
	}
	t.accountRuntime(cur)
	t.stats.Exits.Inc()

	for i := range cur.ofile {
		if cur.ofile[i] != nil {
			cur.ofile[i].Close()
			cur.ofile[i] = nil
		}
	}
	if freed := t.mmap.FreeAll(cur.pid, cur.pt, t.phys); freed > 0 {
		t.lim.Mmapareas.Given(uint(freed))
	}
	cur.pt.Freevm(t.phys, cur.sz)

	var rewokenZombieParent *Proc_t
	for _, c := range t.procs {
		if c != nil && c.ppid == cur.pid {
			c.ppid = 1
			if c.state == defs.ZOMBIE {
				rewokenZombieParent = t.findByPid(1)
			}
		}
	}

	cur.state = defs.ZOMBIE
	t.recomputeTimeSlices()
	parent := t.findByPid(cur.ppid)
	t.mu.Unlock()

	if parent != nil {
		t.Wakeup(parent)
	}
	if rewokenZombieParent != nil {
		t.Wakeup(rewokenZombieParent)
	}

	klog.Exit(int(cur.pid), cur.name.String())
	cur.backCh <- struct{}{}
}

// Wait blocks cur until one of its children becomes a ZOMBIE, reaps it
// (freeing its process-table slot) and returns its pid, mirroring
// wait(). It returns -ESRCH if cur has no children left, exactly as the
// teacher's wait() does when ptable has no matching child.
func (t *Table_t) Wait(cur *Proc_t) (defs.Pid_t, defs.Err_t) {
	for {
		t.mu.Lock()
		havekids := false
		for i, c := range t.procs {
			if c == nil || c.ppid != cur.pid {
				continue
			}
			havekids = true
			if c.state == defs.ZOMBIE {
				pid := c.pid
				t.procs[i] = nil
				t.lim.Sysprocs.Give()
				t.mu.Unlock()
				return pid, 0
			}
		}
		if !havekids || cur.killed {
			t.mu.Unlock()
			return 0, -defs.ESRCH
		}
		t.mu.Unlock()
		t.Sleep(cur, cur)
	}
}

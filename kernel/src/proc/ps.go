package proc

import (
	"fmt"
	"strings"

	"defs"
)

// decimalAddend is the digit sequence of 4294967295, the literal
// addend the teacher's adjust_vruntime() folds into the display buffer
// once per unit of carry. It is not 2^32 — the display algorithm is
// intentionally this one-off constant, independent of the 2^32
// wraparound accountRuntime tracks for the real carry increment.
var decimalAddend = []int{4, 2, 9, 4, 9, 6, 7, 2, 9, 5}

const vruntimeDigits = 30

// adjustVruntime renders vruntime folded with carry units of
// decimalAddend into a decimal string, mirroring adjust_vruntime()'s
// 30-digit buffer algorithm: start from vruntime's own digits, then add
// decimalAddend carry times with ordinary place-value carry
// propagation.
func adjustVruntime(vruntime, carry uint32) string {
	digits := make([]int, vruntimeDigits)
	v := uint64(vruntime)
	for i := vruntimeDigits - 1; i >= 0 && v > 0; i-- {
		digits[i] = int(v % 10)
		v /= 10
	}

	for c := uint32(0); c < carry; c++ {
		carryOut := 0
		ai := len(decimalAddend) - 1
		for i := vruntimeDigits - 1; i >= 0; i-- {
			add := 0
			if ai >= 0 {
				add = decimalAddend[ai]
				ai--
			}
			sum := digits[i] + add + carryOut
			digits[i] = sum % 10
			carryOut = sum / 10
		}
	}

	i := 0
	for i < vruntimeDigits-1 && digits[i] == 0 {
		i++
	}
	var b strings.Builder
	for ; i < vruntimeDigits; i++ {
		b.WriteByte(byte('0' + digits[i]))
	}
	return b.String()
}

// Ps renders the process table diagnostic, mirroring ps()'s layout
// (§6): the header names name, pid, state, priority(nice),
// runtime/weight, runtime, vruntime and tick, and ends with the current
// ticks×1000; each process row holds the first seven of those fields,
// with vruntime as a carry-folded decimal digit stream. pid==0 lists
// every in-use process; a nonzero pid lists
// only the matching one, mirroring ps()'s dual-branch behavior.
func (t *Table_t) Ps(pid defs.Pid_t) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out strings.Builder
	fmt.Fprintf(&out, "%10s %10s %10s %10s %15s %10s %15s %10s %15d\n",
		"name", "pid", "state", "priority", "runtime/weight", "runtime", "vruntime", "tick", t.ticks*1000)
	for _, p := range t.procs {
		if p == nil || p.state == defs.UNUSED {
			continue
		}
		if pid != 0 && p.pid != pid {
			continue
		}
		runtimeOverWeight := uint64(0)
		if p.weight != 0 {
			runtimeOverWeight = p.runtime / uint64(p.weight)
		}
		fmt.Fprintf(&out, "%10s %10d %10s %10d %15d %10d %s\n",
			p.name, p.pid, p.state, p.nice, runtimeOverWeight, p.runtime,
			adjustVruntime(p.vruntime, p.carry))
	}
	return out.String()
}

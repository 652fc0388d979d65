// Package limits tracks the kernel core's two fixed-capacity resource
// pools — process-table slots and mmap-descriptor slots — as atomically
// adjustable counters, the same role the teacher's Sysatomic_t plays for
// its much larger set of system-wide resource limits (vnodes, sockets,
// routes, and so on), pared down to the two tables this core actually
// has.
package limits

import (
	"sync/atomic"
	"unsafe"
)

/// Sysatomic_t is a resource count that can be atomically given back or
/// taken, refusing to go negative.
type Sysatomic_t int64

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

/// Given increases the count by n.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s._aptr(), int64(n))
}

/// Taken tries to decrement the count by n, returning false (and
/// leaving the count unchanged) if that would drive it negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(s._aptr(), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), int64(n))
	return false
}

/// Take decrements the count by one, reporting success.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

/// Give increments the count by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

/// Value returns the current count.
func (s *Sysatomic_t) Value() int64 {
	return atomic.LoadInt64(s._aptr())
}

/// Syslimit_t tracks how many of the kernel's two fixed tables remain
/// free, mirroring (at this core's much smaller scope) the teacher's
/// Syslimit_t's role as the single source of truth for resource
/// exhaustion checks.
type Syslimit_t struct {
	/// Sysprocs is the number of free process-table slots.
	Sysprocs Sysatomic_t
	/// Mmapareas is the number of free mmap-descriptor slots.
	Mmapareas Sysatomic_t
}

/// Syslimit is a package-level Syslimit_t sized for the default table
/// capacities. proc.Table_t does not use it (each table builds its own
/// with MkSysLimit), and config.Load does not change it.
var Syslimit = MkSysLimit(64, 64)

/// MkSysLimit builds a fresh Syslimit_t sized for nproc process slots
/// and nmmap mmap-descriptor slots.
func MkSysLimit(nproc, nmmap int) *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:  Sysatomic_t(nproc),
		Mmapareas: Sysatomic_t(nmmap),
	}
}

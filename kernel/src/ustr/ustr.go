// Package ustr provides Ustr, a fixed-capacity NUL-terminated byte
// string. It backs Proc_t.name, the analogue of proc.c's `char
// name[16]` comm buffer: a process's human-readable name, truncated at
// its first NUL byte on assignment and rendered back to a Go string for
// getpname/ps/klog, the only two operations a comm buffer needs here.
package ustr

/// Ustr represents an immutable NUL-terminated byte string.
type Ustr []uint8

/// MkUstrSlice converts a NUL-terminated byte slice to a Ustr, truncating
/// at the first NUL byte, mirroring how a `char name[16]` comm buffer is
/// read back as a string.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == uint8(0) {
			return buf[:i]
		}
	}
	return buf
}

/// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

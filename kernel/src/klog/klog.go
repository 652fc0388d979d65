// Package klog wraps zerolog for the kernel core's boot, scheduler and
// page-fault tracing. It mirrors the teacher's stats package in being
// cheap to leave on by default: the package-level logger is silent
// (zerolog.Nop()) until a caller opts in with Enable, so tests stay
// quiet unless they ask for trace output.
package klog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var log = zerolog.Nop()

/// Enable switches the package logger to write leveled, structured
/// output to w (typically os.Stderr from cmd/kerntest).
func Enable(w io.Writer) {
	log = zerolog.New(w).With().Timestamp().Logger()
}

/// EnableStderr is a convenience wrapper around Enable(os.Stderr).
func EnableStderr() {
	Enable(os.Stderr)
}

/// Sched logs a scheduler dispatch decision.
func Sched(cpuid int, pid int, name string, timeSlice uint32) {
	log.Debug().Int("cpu", cpuid).Int("pid", pid).Str("proc", name).
		Uint32("time_slice", timeSlice).Msg("dispatch")
}

/// Fault logs a page-fault resolution.
func Fault(pid int, addr uintptr, write bool, ok bool) {
	ev := log.Debug().Int("pid", pid).Uint64("addr", uint64(addr)).Bool("write", write)
	if ok {
		ev.Msg("page fault resolved")
	} else {
		ev.Msg("page fault failed")
	}
}

/// Boot logs a kernel boot-time event.
func Boot(msg string) {
	log.Info().Msg(msg)
}

/// Exit logs a process's termination.
func Exit(pid int, name string) {
	log.Debug().Int("pid", pid).Str("proc", name).Msg("exit")
}

package run

import (
	"os"
	"syscall"
)

// PIDAlive reports whether a process with the given pid currently
// exists. Signal 0 probes without delivering anything.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM to the process and reports whether delivery
// succeeded. The process decides what to do with it; callers must not
// assume it exited.
func Terminate(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.SIGTERM) == nil
}

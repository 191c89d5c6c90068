//go:build linux && amd64

package process

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Tracee is a process under ptrace control of this controller.
type Tracee interface {
	// GetPID returns the process ID
	GetPID() ProcessID

	// State returns the current tracer/tracee state
	State() TraceState

	// Attach takes tracer control and waits for the initial stop.
	// It is a no-op when the tracee is already stopped under our control.
	Attach(ctx context.Context) error

	// Detach releases tracer control and lets the process run unsupervised
	Detach() error

	// GetRegs returns the general purpose register set
	GetRegs() (unix.PtraceRegs, error)

	// SetRegs replaces the general purpose register set
	SetRegs(regs unix.PtraceRegs) error

	// ReadWords reads count words starting at addr, one transfer per word
	ReadWords(addr ProcessMemoryAddress, count int) ([]uint64, error)

	// WriteWords writes words starting at addr, one transfer per word
	WriteWords(addr ProcessMemoryAddress, words []uint64) error

	// ReadMemory reads size bytes at addr in a single bulk transfer
	ReadMemory(addr ProcessMemoryAddress, size ProcessMemorySize) ([]byte, error)

	// ContinueAndWait resumes the tracee and blocks until its next stop,
	// its termination, or the wait bound.
	ContinueAndWait(ctx context.Context) (StopEvent, error)
}

// StopEvent describes why a resumed tracee handed control back.
type StopEvent struct {
	Signal     unix.Signal // stop signal, or the terminating signal when Killed
	Exited     bool
	ExitStatus int
	Killed     bool
}

// Trapped reports a SIGTRAP stop, the only successful outcome of a fragment.
func (e StopEvent) Trapped() bool {
	return !e.Terminated() && e.Signal == unix.SIGTRAP
}

// Terminated reports whether the tracee is gone.
func (e StopEvent) Terminated() bool {
	return e.Exited || e.Killed
}

func (e StopEvent) String() string {
	switch {
	case e.Exited:
		return fmt.Sprintf("exited with status %d", e.ExitStatus)
	case e.Killed:
		return fmt.Sprintf("killed by %s", unix.SignalName(e.Signal))
	}
	return fmt.Sprintf("stopped by %s", unix.SignalName(e.Signal))
}

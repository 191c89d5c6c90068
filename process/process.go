// Package process provides the types, errors and interfaces shared by the
// tracer, the shellcode runner and the injector.
package process

import "errors"

var (
	// ErrAddressNotMapped is returned when a memory address is not found within any mapped region of a process.
	ErrAddressNotMapped = errors.New("address not mapped")

	// ErrProcessNotOpen is returned when the target process does not exist or has already gone away.
	ErrProcessNotOpen = errors.New("process not open")

	// ErrNotStopped is returned when a register or memory operation is attempted
	// while the tracee is not in a ptrace stop owned by this controller.
	ErrNotStopped = errors.New("process not in a trace stop")

	// ErrParse is returned for a malformed memory map record.
	ErrParse = errors.New("malformed memory map record")

	// ErrNotFound is returned when no suitable executable scratch region exists.
	ErrNotFound = errors.New("no executable scratch region")

	// ErrExecutionFailure is returned when the tracee stopped for anything other
	// than the expected breakpoint trap, or terminated.
	ErrExecutionFailure = errors.New("remote execution failed")

	// ErrTimeout is returned when the tracee did not stop within the wait bound.
	ErrTimeout = errors.New("timed out waiting for trace stop")

	// ErrNotAllocated is returned when the payload is spawned before a region was allocated.
	ErrNotAllocated = errors.New("payload region not allocated")
)

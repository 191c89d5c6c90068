//go:build linux && amd64

package process_linux

import (
	"fmt"
	"unsafe"

	"goinject/process"

	"golang.org/x/sys/unix"
)

// ptrace_peekdata reads one word. The raw syscall stores the word at data,
// unlike the libc wrapper which returns it.
func ptrace_peekdata(pid process.ProcessID, addr process.ProcessMemoryAddress) (uint64, error) {
	var word uint64
	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE,
		uintptr(unix.PTRACE_PEEKDATA),
		uintptr(pid),
		uintptr(addr),
		uintptr(unsafe.Pointer(&word)),
		0,
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return word, nil
}

// ptrace_pokedata writes one word, ignoring page protections.
func ptrace_pokedata(pid process.ProcessID, addr process.ProcessMemoryAddress, word uint64) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE,
		uintptr(unix.PTRACE_POKEDATA),
		uintptr(pid),
		uintptr(addr),
		uintptr(word),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// ReadWords reads count words starting at addr in ascending order
func (t *Tracer) ReadWords(addr process.ProcessMemoryAddress, count int) ([]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireStopped(); err != nil {
		return nil, err
	}

	words := make([]uint64, count)
	var err error
	t.thread().exec(func() {
		for i := range words {
			at := addr.Add(process.ProcessMemorySize(i * process.WordSize))
			if words[i], err = ptrace_peekdata(t.pid, at); err != nil {
				err = fmt.Errorf("peek %d at %s: %w", t.pid, at.ToString(), err)
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return words, nil
}

// WriteWords writes words starting at addr in ascending order
func (t *Tracer) WriteWords(addr process.ProcessMemoryAddress, words []uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireStopped(); err != nil {
		return err
	}

	var err error
	t.thread().exec(func() {
		for i, word := range words {
			at := addr.Add(process.ProcessMemorySize(i * process.WordSize))
			if err = ptrace_pokedata(t.pid, at, word); err != nil {
				err = fmt.Errorf("poke %d at %s: %w", t.pid, at.ToString(), err)
				return
			}
		}
	})
	return err
}

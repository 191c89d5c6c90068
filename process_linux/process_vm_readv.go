//go:build linux && amd64

package process_linux

import (
	"fmt"
	"unsafe"

	"goinject/process"

	"golang.org/x/sys/unix"
)

// process_vm_readv uses the process_vm_readv syscall to read memory from another process
func process_vm_readv(
	pid process.ProcessID,
	remoteAddr process.ProcessMemoryAddress,
	bytesToRead process.ProcessMemorySize,
) ([]byte, error) {
	localBuf := make([]byte, bytesToRead)

	// Create iovec for local buffer
	localIov := unix.Iovec{
		Base: &localBuf[0],
		Len:  uint64(bytesToRead),
	}

	// Create iovec for remote buffer
	remoteIov := unix.RemoteIovec{
		Base: uintptr(remoteAddr),
		Len:  int(bytesToRead),
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_PROCESS_VM_READV,
		uintptr(pid),                        // Remote process PID
		uintptr(unsafe.Pointer(&localIov)),  // Local iovec
		uintptr(1),                          // Number of local iovecs
		uintptr(unsafe.Pointer(&remoteIov)), // Remote iovec
		uintptr(1),                          // Number of remote iovecs
		uintptr(0),                          // Flags (reserved for future use)
	)

	if errno != 0 {
		return nil, fmt.Errorf("process_vm_readv failed: %s (errno: %d)", errno.Error(), errno)
	}

	if int(n) != int(bytesToRead) {
		return localBuf[:n], fmt.Errorf("partial read: %d of %d bytes", n, bytesToRead)
	}

	return localBuf, nil
}

// ReadMemory reads size bytes at addr in one transfer. Unlike ReadWords it
// honours page protections, so it only sees readable mappings.
func (t *Tracer) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	t.mu.Lock()
	err := t.requireStopped()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if size == 0 {
		return []byte{}, nil
	}

	data, err := process_vm_readv(t.pid, addr, size)
	if err != nil {
		return nil, fmt.Errorf("process_vm_readv: failed to read process memory: %w", err)
	}

	return data, nil
}

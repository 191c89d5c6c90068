//go:build linux

package memory_map

import (
	"fmt"
	"os"

	"goinject/process"
)

// LinuxMemoryMap implements MemoryMap for Linux
type LinuxMemoryMap struct{}

// NewLinuxMemoryMap creates a new LinuxMemoryMap instance
func NewLinuxMemoryMap() *LinuxMemoryMap {
	return &LinuxMemoryMap{}
}

// ReadMemoryMap reads and parses the memory map for a process from /proc/[pid]/maps
func (l *LinuxMemoryMap) ReadMemoryMap(pid int) ([]Region, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadRegions(file)
}

// Load reads the current map of pid from procfs.
func Load(pid process.ProcessID) (*ProcessMap, error) {
	return NewProcessMap(pid, NewLinuxMemoryMap())
}

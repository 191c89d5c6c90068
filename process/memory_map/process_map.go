package memory_map

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"sync"

	"goinject/process"
)

// MemoryMap defines the interface for operations related to a process's memory map
type MemoryMap interface {
	// ReadMemoryMap reads and parses the memory map for a process
	ReadMemoryMap(pid int) ([]Region, error)
}

// ReadRegions parses a maps listing. One bad line fails the whole read.
func ReadRegions(r io.Reader) ([]Region, error) {
	var regions []Region
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		region, err := ParseRegion(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		regions = append(regions, region)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return regions, nil
}

// ProcessMap is the most recent snapshot of a process's mapped regions.
type ProcessMap struct {
	pid     process.ProcessID
	source  MemoryMap
	mu      sync.Mutex
	regions []Region
}

// NewProcessMap reads the full map of pid from source.
func NewProcessMap(pid process.ProcessID, source MemoryMap) (*ProcessMap, error) {
	m := &ProcessMap{
		pid:    pid,
		source: source,
	}
	if err := m.Refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

// PID returns the process the map belongs to
func (m *ProcessMap) PID() process.ProcessID {
	return m.pid
}

// Refresh discards the snapshot and rereads it. On error the old snapshot is kept.
func (m *ProcessMap) Refresh() error {
	regions, err := m.source.ReadMemoryMap(int(m.pid))
	if err != nil {
		return fmt.Errorf("failed to read memory map of %d: %w", m.pid, err)
	}

	// GetMemoryRegionForAddress requires the snapshot to be sorted by address
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Start < regions[j].Start
	})

	m.mu.Lock()
	m.regions = regions
	m.mu.Unlock()
	return nil
}

// Regions returns a copy of the current snapshot
func (m *ProcessMap) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Region, len(m.regions))
	copy(result, m.regions)
	return result
}

// FindRegion returns the region containing addr
func (m *ProcessMap) FindRegion(addr process.ProcessMemoryAddress) (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := GetMemoryRegionForAddress(addr, m.regions); r != nil {
		return *r, true
	}
	return Region{}, false
}

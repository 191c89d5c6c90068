//go:build linux

package process_linux

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"goinject/process"

	"github.com/prometheus/procfs"
)

// ListByName returns all processes whose comm or exe basename equals name.
// name match is case-sensitive (like pidof).
func ListByName(name string) ([]process.ProcessInfo, error) {
	if name == "" {
		return nil, errors.New("empty name")
	}

	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return listByName(pfs, name)
}

func listByName(pfs procfs.FS, name string) ([]process.ProcessInfo, error) {
	procs, err := pfs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	selfPID := os.Getpid()
	var out []process.ProcessInfo

	for _, p := range procs {
		if p.PID == selfPID {
			continue // skip ourselves
		}

		info, err := infoFromProc(p)
		if err != nil {
			// Process might have disappeared, skip it
			continue
		}

		if info.Name == name || (info.Exe != "" && filepath.Base(info.Exe) == name) {
			out = append(out, info)
		}
	}

	return out, nil
}

// OneByName returns the first match for name (lowest PID), or os.ErrNotExist if none.
func OneByName(name string) (process.ProcessInfo, error) {
	ps, err := ListByName(name)
	if err != nil {
		return process.ProcessInfo{}, err
	}
	if len(ps) == 0 {
		return process.ProcessInfo{}, fmt.Errorf("no process named %q: %w", name, os.ErrNotExist)
	}
	// pick the lowest PID for determinism
	minIdx := 0
	for i := 1; i < len(ps); i++ {
		if ps[i].PID < ps[minIdx].PID {
			minIdx = i
		}
	}
	return ps[minIdx], nil
}

// ProcessExists reports whether pid is present in /proc
func ProcessExists(pid int) bool {
	pfs, err := procfs.NewDefaultFS()
	if err == nil {
		_, err = pfs.Proc(pid)
		if err == nil {
			return true
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false
		}
	}
	// For transient errors (permission, EIO): fall back to kill 0
	return syscall.Kill(pid, 0) == nil
}

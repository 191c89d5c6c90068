//go:build linux

package process_linux

import (
	"fmt"

	"goinject/process"

	"github.com/prometheus/procfs"
)

// GetProcessInfo reads process information from /proc/[pid]/
func GetProcessInfo(pid int) (process.ProcessInfo, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return process.ProcessInfo{}, fmt.Errorf("open procfs: %w", err)
	}
	return getProcessInfo(fs, pid)
}

func getProcessInfo(fs procfs.FS, pid int) (process.ProcessInfo, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return process.ProcessInfo{PID: process.ProcessID(pid)}, fmt.Errorf("process %d: %w", pid, err)
	}
	return infoFromProc(p)
}

// infoFromProc fills a ProcessInfo from stat and the exe link of p.
func infoFromProc(p procfs.Proc) (process.ProcessInfo, error) {
	info := process.ProcessInfo{PID: process.ProcessID(p.PID)}

	stat, err := p.Stat()
	if err != nil {
		return info, fmt.Errorf("failed to read stat of %d: %w", p.PID, err)
	}
	info.Name = stat.Comm
	info.State = process.ProcessState(stat.State)
	info.PPID = process.ProcessID(stat.PPID)

	// may fail for processes owned by other users
	if exe, err := p.Executable(); err == nil {
		info.Exe = exe
	}

	return info, nil
}

package process

// ProcessID represents a unique identifier for a process
type ProcessID int

// ProcessInfo contains basic information about a process
type ProcessInfo struct {
	PID   ProcessID    // Process ID
	PPID  ProcessID    // Parent Process ID
	Name  string       // Process name from /proc/[pid]/comm
	Exe   string       // Path to the executable
	State ProcessState // Process state (R, S, D, Z, etc.)
}

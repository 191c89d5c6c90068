package process

// ProcessState represents the state of a process
type ProcessState string

const (
	ProcessRunning    ProcessState = "R" // Running
	ProcessSleeping   ProcessState = "S" // Sleeping in an interruptible wait
	ProcessWaiting    ProcessState = "D" // Waiting in uninterruptible disk sleep
	ProcessZombie     ProcessState = "Z" // Zombie
	ProcessStopped    ProcessState = "T" // Stopped (on a signal)
	ProcessTracingStp ProcessState = "t" // Tracing stop
	ProcessPaging     ProcessState = "W" // Paging
	ProcessDead       ProcessState = "X" // Dead
	ProcessWakekill   ProcessState = "K" // Wakekill
	ProcessParked     ProcessState = "P" // Parked
)

// TraceState is the controller's view of its tracer/tracee relationship.
//
//	Detached --attach--> Stopped --continue--> Running --stop--> Stopped
//	Stopped --detach--> Detached
//	Running --exit/kill--> Failed
//
// Registers and memory may only be touched in TraceStopped.
type TraceState int

const (
	TraceDetached TraceState = iota
	TraceStopped
	TraceRunning
	TraceFailed
)

func (s TraceState) String() string {
	switch s {
	case TraceDetached:
		return "detached"
	case TraceStopped:
		return "attached-stopped"
	case TraceRunning:
		return "attached-running"
	case TraceFailed:
		return "detached-error"
	}
	return "unknown"
}

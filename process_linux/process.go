//go:build linux && amd64

package process_linux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goinject/process"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/sys/unix"
)

// DefaultWaitTimeout bounds how long a resumed tracee may run before it is
// forcibly stopped.
const DefaultWaitTimeout = 10 * time.Second

// Tracer implements process.Tracee on top of ptrace(2).
type Tracer struct {
	pid         process.ProcessID
	log         *logger.Logger
	mu          sync.Mutex
	state       process.TraceState
	pt          *ptraceThread
	closed      bool
	waitTimeout time.Duration
}

var _ process.Tracee = (*Tracer)(nil)

func newTracerLogger(pid process.ProcessID) *logger.Logger {
	return logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, fmt.Sprintf("tracer-%d", pid)))
}

// NewTracer creates a detached tracer for pid
func NewTracer(pid process.ProcessID) *Tracer {
	return &Tracer{
		pid:         pid,
		log:         newTracerLogger(pid),
		state:       process.TraceDetached,
		waitTimeout: DefaultWaitTimeout,
	}
}

// GetPID returns the process ID
func (t *Tracer) GetPID() process.ProcessID {
	return t.pid
}

// State returns the current tracer/tracee state
func (t *Tracer) State() process.TraceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetWaitTimeout bounds ContinueAndWait and the attach stop. Zero waits forever.
func (t *Tracer) SetWaitTimeout(d time.Duration) {
	t.mu.Lock()
	t.waitTimeout = d
	t.mu.Unlock()
}

// thread returns the ptrace thread, starting it on first use. Caller holds mu.
func (t *Tracer) thread() *ptraceThread {
	if t.pt == nil {
		t.pt = newPtraceThread()
	}
	return t.pt
}

// requireStopped gates every register and memory access. Caller holds mu.
func (t *Tracer) requireStopped() error {
	if t.closed {
		return fmt.Errorf("tracer for %d closed: %w", t.pid, process.ErrProcessNotOpen)
	}
	if t.state != process.TraceStopped {
		return fmt.Errorf("process %d is %s: %w", t.pid, t.state, process.ErrNotStopped)
	}
	return nil
}

func (t *Tracer) Attach(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("tracer for %d closed: %w", t.pid, process.ErrProcessNotOpen)
	}

	switch t.state {
	case process.TraceStopped:
		return nil
	case process.TraceRunning:
		return fmt.Errorf("process %d already attached and running", t.pid)
	}

	info, err := GetProcessInfo(int(t.pid))
	if err != nil {
		return fmt.Errorf("process with PID %d does not exist: %w", t.pid, process.ErrProcessNotOpen)
	}
	if info.State == process.ProcessZombie || info.State == process.ProcessDead {
		return fmt.Errorf("process %d (%s) is in state %s: %w", t.pid, info.Name, info.State, process.ErrProcessNotOpen)
	}

	t.thread().exec(func() {
		err = unix.PtraceAttach(int(t.pid))
	})
	if err != nil {
		return fmt.Errorf("ptrace attach %d: %w", t.pid, err)
	}
	t.state = process.TraceRunning

	ev, err := t.waitLocked(ctx)
	if err == nil && !ev.Terminated() && ev.Signal != unix.SIGSTOP {
		// another signal was pending; the attach SIGSTOP is still queued
		ev, err = t.resumeUntil(ctx, ev.Signal, unix.SIGSTOP)
	}
	if err != nil {
		return fmt.Errorf("waiting for attach stop: %w", err)
	}
	if ev.Terminated() {
		return fmt.Errorf("process %d %s during attach: %w", t.pid, ev, process.ErrProcessNotOpen)
	}

	t.log.Infoln("Attached to", info.Name, "-", ev)
	return nil
}

func (t *Tracer) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case process.TraceDetached:
		return nil
	case process.TraceFailed:
		// nothing left to release
		t.state = process.TraceDetached
		return nil
	case process.TraceRunning:
		return fmt.Errorf("cannot detach %d while it runs: %w", t.pid, process.ErrNotStopped)
	}

	var err error
	t.thread().exec(func() {
		err = unix.PtraceDetach(int(t.pid))
	})
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			t.state = process.TraceFailed
		}
		return fmt.Errorf("ptrace detach %d: %w", t.pid, err)
	}

	t.state = process.TraceDetached
	t.log.Infoln("Detached")
	return nil
}

// Kill sends SIGKILL and reaps the tracee. Used for children we launched.
func (t *Tracer) Kill() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == process.TraceDetached || t.state == process.TraceFailed || t.closed {
		return nil
	}

	if err := unix.Kill(int(t.pid), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d: %w", t.pid, err)
	}

	for {
		ws, _, err := t.wait4(0)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				break
			}
			return fmt.Errorf("reap %d: %w", t.pid, err)
		}
		if ws.Exited() || ws.Signaled() {
			break
		}
	}

	t.state = process.TraceFailed
	t.log.Infoln("Killed")
	return nil
}

// Close detaches when still attached and stops the ptrace thread.
func (t *Tracer) Close() error {
	err := t.Detach()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed && t.pt != nil {
		t.pt.stop()
	}
	t.closed = true
	return err
}

func (t *Tracer) GetRegs() (unix.PtraceRegs, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var regs unix.PtraceRegs
	if err := t.requireStopped(); err != nil {
		return regs, err
	}

	var err error
	t.thread().exec(func() {
		err = unix.PtraceGetRegs(int(t.pid), &regs)
	})
	if err != nil {
		return regs, fmt.Errorf("ptrace getregs %d: %w", t.pid, err)
	}
	return regs, nil
}

func (t *Tracer) SetRegs(regs unix.PtraceRegs) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireStopped(); err != nil {
		return err
	}

	var err error
	t.thread().exec(func() {
		err = unix.PtraceSetRegs(int(t.pid), &regs)
	})
	if err != nil {
		return fmt.Errorf("ptrace setregs %d: %w", t.pid, err)
	}
	return nil
}

func (t *Tracer) ContinueAndWait(ctx context.Context) (process.StopEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireStopped(); err != nil {
		return process.StopEvent{}, err
	}

	var err error
	t.thread().exec(func() {
		err = unix.PtraceCont(int(t.pid), 0)
	})
	if err != nil {
		return process.StopEvent{}, fmt.Errorf("ptrace cont %d: %w", t.pid, err)
	}
	t.state = process.TraceRunning

	return t.waitLocked(ctx)
}

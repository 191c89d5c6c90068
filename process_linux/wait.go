//go:build linux && amd64

package process_linux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goinject/process"

	"golang.org/x/sys/unix"
)

const (
	waitPollMin = time.Millisecond
	waitPollMax = 50 * time.Millisecond
)

func newStopEvent(ws unix.WaitStatus) process.StopEvent {
	switch {
	case ws.Exited():
		return process.StopEvent{Exited: true, ExitStatus: ws.ExitStatus()}
	case ws.Signaled():
		return process.StopEvent{Killed: true, Signal: ws.Signal()}
	}
	return process.StopEvent{Signal: ws.StopSignal()}
}

// wait4 runs wait4 for the tracee on the ptrace thread. Caller holds mu.
func (t *Tracer) wait4(options int) (ws unix.WaitStatus, wpid int, err error) {
	t.thread().exec(func() {
		for {
			wpid, err = unix.Wait4(int(t.pid), &ws, options|unix.WALL, nil)
			if !errors.Is(err, unix.EINTR) {
				return
			}
		}
	})
	return ws, wpid, err
}

// settle records the outcome of a wait. Caller holds mu.
func (t *Tracer) settle(ws unix.WaitStatus) process.StopEvent {
	ev := newStopEvent(ws)
	if ev.Terminated() {
		t.state = process.TraceFailed
	} else {
		t.state = process.TraceStopped
	}
	return ev
}

// waitLocked polls for the next state change of a running tracee until ctx
// is done or the wait timeout expires. Caller holds mu.
func (t *Tracer) waitLocked(ctx context.Context) (process.StopEvent, error) {
	var deadline <-chan time.Time
	if t.waitTimeout > 0 {
		timer := time.NewTimer(t.waitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	tick := waitPollMin
	for {
		ws, wpid, err := t.wait4(unix.WNOHANG)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				t.state = process.TraceFailed
			}
			return process.StopEvent{}, fmt.Errorf("wait4 %d: %w", t.pid, err)
		}
		if wpid == int(t.pid) {
			return t.settle(ws), nil
		}

		select {
		case <-ctx.Done():
			return t.interrupt(ctx.Err())
		case <-deadline:
			return t.interrupt(fmt.Errorf("%w after %s", process.ErrTimeout, t.waitTimeout))
		case <-time.After(tick):
		}

		// Exponential-ish backoff to reduce pressure on wait4
		if tick < waitPollMax {
			tick *= 2
		}
	}
}

// interrupt forces a running tracee into a stop so the caller can still
// restore it, then reports cause. When the tracee stopped on its own before
// the SIGSTOP landed, that stop is the real outcome: it is returned without
// cause and the queued SIGSTOP is drained so it cannot fire after detach.
// Caller holds mu.
func (t *Tracer) interrupt(cause error) (process.StopEvent, error) {
	t.log.Warn("Interrupting running process: ", cause)

	if err := unix.Kill(int(t.pid), unix.SIGSTOP); err != nil {
		if errors.Is(err, unix.ESRCH) {
			t.state = process.TraceFailed
		}
		return process.StopEvent{}, errors.Join(cause, fmt.Errorf("sigstop %d: %w", t.pid, err))
	}

	ws, _, err := t.wait4(0)
	if err != nil {
		return process.StopEvent{}, errors.Join(cause, fmt.Errorf("wait4 %d: %w", t.pid, err))
	}

	ev := t.settle(ws)
	if ev.Terminated() {
		return ev, nil
	}
	if ev.Signal == unix.SIGSTOP {
		return ev, fmt.Errorf("process %d: %w", t.pid, cause)
	}

	t.log.Debugln("Stop", ev.String(), "raced the interrupt")
	if err := t.drainSigstop(); err != nil {
		return ev, err
	}
	return ev, nil
}

// drainSigstop resumes the tracee, suppressing its current stop signal, until
// the SIGSTOP queued by interrupt is reported. A pending signal is taken on
// the way back to user mode, so no tracee instruction runs meanwhile. Caller
// holds mu.
func (t *Tracer) drainSigstop() error {
	for {
		var err error
		t.thread().exec(func() {
			err = unix.PtraceCont(int(t.pid), 0)
		})
		if err != nil {
			return fmt.Errorf("ptrace cont %d: %w", t.pid, err)
		}
		t.state = process.TraceRunning

		ws, _, err := t.wait4(0)
		if err != nil {
			return fmt.Errorf("wait4 %d: %w", t.pid, err)
		}
		ev := t.settle(ws)
		if ev.Terminated() {
			return fmt.Errorf("process %d %s while draining SIGSTOP: %w", t.pid, ev, process.ErrProcessNotOpen)
		}
		if ev.Signal == unix.SIGSTOP {
			return nil
		}
	}
}

// resumeUntil continues the tracee from its current stop delivering pass,
// and keeps forwarding whatever other signal stops it until it stops with
// sig. Caller holds mu.
func (t *Tracer) resumeUntil(ctx context.Context, pass, sig unix.Signal) (process.StopEvent, error) {
	for {
		var err error
		t.thread().exec(func() {
			err = unix.PtraceCont(int(t.pid), int(pass))
		})
		if err != nil {
			return process.StopEvent{}, fmt.Errorf("ptrace cont %d: %w", t.pid, err)
		}
		t.state = process.TraceRunning

		ev, err := t.waitLocked(ctx)
		if err != nil || ev.Terminated() || ev.Signal == sig {
			return ev, err
		}
		t.log.Debugln("Forwarding", ev.Signal.String(), "while waiting for", sig.String())
		pass = ev.Signal
	}
}

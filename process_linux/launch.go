//go:build linux && amd64

package process_linux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"goinject/process"
)

// Launch starts name as a traced child and returns once it is stopped at the
// trap raised by its execve. The child is started from the tracer's ptrace
// thread so that thread becomes its tracer. waitTimeout bounds that first
// stop and every later ContinueAndWait; zero waits forever.
func Launch(ctx context.Context, waitTimeout time.Duration, name string, args ...string) (*Tracer, error) {
	t := NewTracer(0)
	t.waitTimeout = waitTimeout

	t.mu.Lock()
	defer t.mu.Unlock()

	var cmd *exec.Cmd
	var err error
	t.thread().exec(func() {
		cmd = exec.Command(name, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
		err = cmd.Start()
	})
	if err != nil {
		t.pt.stop()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	t.pid = process.ProcessID(cmd.Process.Pid)
	t.log = newTracerLogger(t.pid)
	t.state = process.TraceRunning

	ev, err := t.waitLocked(ctx)
	if err == nil && ev.Terminated() {
		err = fmt.Errorf("%s %s before its first stop: %w", name, ev, process.ErrProcessNotOpen)
	}
	if err != nil {
		if t.state != process.TraceFailed {
			_ = syscall.Kill(int(t.pid), syscall.SIGKILL)
			t.wait4(0)
		}
		t.pt.stop()
		return nil, err
	}

	t.log.Infoln("Launched", name, "-", ev)
	return t, nil
}

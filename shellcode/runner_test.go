//go:build linux && amd64

package shellcode

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"goinject/process"
	"goinject/tracetest"

	"golang.org/x/sys/unix"
)

const (
	scratch  = process.ProcessMemoryAddress(0x401000)
	magic    = uint64(0xdeadbeefcafef00d)
	origText = uint64(0x9090909090909090)
)

// movRaxTrap is "mov rax, imm64; int3" padded with int3.
func movRaxTrap(imm uint64) []uint64 {
	code := []byte{0x48, 0xb8}
	for i := 0; i < 8; i++ {
		code = append(code, byte(imm>>(8*i)))
	}
	code = append(code, 0xcc)
	return process.PackWords(code)
}

func newTarget() *tracetest.Tracee {
	tr := tracetest.NewStopped(1234)
	tr.Regs = unix.PtraceRegs{Rip: 0x7f0000001234, Rax: 1, Rbx: 2, R11: 3, Rsp: 0x7ffc0000, Orig_rax: 7}
	tr.Fill(scratch, []uint64{origText, origText + 1, origText + 2, origText + 3})
	return tr
}

// cpu emulates a fragment that loads magic into rax and traps after it.
func cpu(t *testing.T, want []uint64) func(*tracetest.Tracee) (process.StopEvent, error) {
	return func(tr *tracetest.Tracee) (process.StopEvent, error) {
		if tr.Regs.Rip != uint64(scratch) {
			t.Errorf("rip = 0x%x, want 0x%x", tr.Regs.Rip, uint64(scratch))
		}
		if got := tr.Snapshot(scratch, len(want)); !reflect.DeepEqual(got, want) {
			t.Errorf("fragment in memory = %x, want %x", got, want)
		}
		tr.Regs.Rax = magic
		tr.Regs.Rip += 11
		return process.StopEvent{Signal: unix.SIGTRAP}, nil
	}
}

func assertRestored(t *testing.T, tr *tracetest.Tracee, regs unix.PtraceRegs, mem []uint64) {
	t.Helper()
	if tr.Regs != regs {
		t.Errorf("registers not restored:\n got %+v\nwant %+v", tr.Regs, regs)
	}
	if got := tr.Snapshot(scratch, len(mem)); !reflect.DeepEqual(got, mem) {
		t.Errorf("scratch not restored: got %x want %x", got, mem)
	}
}

func TestRunReturnsResultAndRestores(t *testing.T) {
	tr := newTarget()
	code := movRaxTrap(magic)
	tr.OnContinue = cpu(t, code)

	regs := tr.Regs
	mem := tr.Snapshot(scratch, 4)

	got, err := NewRunner(tr).Run(context.Background(), scratch, code)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != magic {
		t.Fatalf("result = 0x%x, want 0x%x", got, magic)
	}
	assertRestored(t, tr, regs, mem)
	if tr.Continues != 1 {
		t.Errorf("continued %d times, want 1", tr.Continues)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(tr *tracetest.Tracee)
		wantErr error
	}{
		{
			name: "crash",
			setup: func(tr *tracetest.Tracee) {
				tr.OnContinue = func(tr *tracetest.Tracee) (process.StopEvent, error) {
					tr.Regs.Rip = 0
					tr.Mem[scratch] = 0 // the fragment scribbled on itself
					return process.StopEvent{Signal: unix.SIGSEGV}, nil
				}
			},
			wantErr: process.ErrExecutionFailure,
		},
		{
			name: "write fragment",
			setup: func(tr *tracetest.Tracee) {
				tr.FailWrite = 1
			},
			wantErr: tracetest.ErrInjected,
		},
		{
			name: "redirect rip",
			setup: func(tr *tracetest.Tracee) {
				tr.FailSetRegs = 1
			},
			wantErr: tracetest.ErrInjected,
		},
		{
			name: "timeout",
			setup: func(tr *tracetest.Tracee) {
				tr.OnContinue = func(tr *tracetest.Tracee) (process.StopEvent, error) {
					tr.Regs.Rax = 99
					return process.StopEvent{Signal: unix.SIGSTOP}, process.ErrTimeout
				}
			},
			wantErr: process.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTarget()
			regs := tr.Regs
			mem := tr.Snapshot(scratch, 4)
			tt.setup(tr)

			_, err := NewRunner(tr).Run(context.Background(), scratch, movRaxTrap(magic))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			assertRestored(t, tr, regs, mem)
		})
	}
}

func TestRunCrashReportsStop(t *testing.T) {
	tr := newTarget()
	tr.OnContinue = func(tr *tracetest.Tracee) (process.StopEvent, error) {
		tr.Regs.Rip = 0x401004
		return process.StopEvent{Signal: unix.SIGILL}, nil
	}

	_, err := NewRunner(tr).Run(context.Background(), scratch, movRaxTrap(magic))
	var serr *StopError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *StopError", err)
	}
	if serr.Event.Signal != unix.SIGILL || serr.RIP != 0x401004 {
		t.Errorf("stop = %+v", serr)
	}
}

func TestRunTraceeExited(t *testing.T) {
	tr := newTarget()
	tr.OnContinue = func(tr *tracetest.Tracee) (process.StopEvent, error) {
		return process.StopEvent{Exited: true, ExitStatus: 1}, nil
	}

	_, err := NewRunner(tr).Run(context.Background(), scratch, movRaxTrap(magic))
	if !errors.Is(err, process.ErrExecutionFailure) {
		t.Fatalf("err = %v, want ErrExecutionFailure", err)
	}
	if errors.Is(err, process.ErrNotStopped) {
		t.Errorf("restore should be skipped for a terminated tracee: %v", err)
	}
}

func TestRunCleanupErrorDoesNotMask(t *testing.T) {
	tr := newTarget()
	tr.OnContinue = func(tr *tracetest.Tracee) (process.StopEvent, error) {
		return process.StopEvent{Signal: unix.SIGSEGV}, nil
	}
	// fragment write, then the restore write
	tr.FailWrite = 2

	_, err := NewRunner(tr).Run(context.Background(), scratch, movRaxTrap(magic))
	if !errors.Is(err, process.ErrExecutionFailure) {
		t.Errorf("original error lost: %v", err)
	}
	if !errors.Is(err, tracetest.ErrInjected) {
		t.Errorf("cleanup error not reported: %v", err)
	}
}

func TestRunRequiresStoppedTracee(t *testing.T) {
	tr := newTarget()
	tr.SetState(process.TraceDetached)

	_, err := NewRunner(tr).Run(context.Background(), scratch, movRaxTrap(magic))
	if !errors.Is(err, process.ErrNotStopped) {
		t.Fatalf("err = %v, want ErrNotStopped", err)
	}
	if tr.Writes != 0 {
		t.Errorf("memory written while detached")
	}
}

func TestRunEmptyFragment(t *testing.T) {
	if _, err := NewRunner(newTarget()).Run(context.Background(), scratch, nil); err == nil {
		t.Fatal("expected error for empty fragment")
	}
}

//go:build linux && amd64

// Package shellcode runs self-contained machine code fragments inside a
// stopped tracee by borrowing a piece of its executable memory.
//
// A fragment receives its inputs in registers, returns its result in RAX and
// signals completion with int3. Everything it borrows (the bytes at the
// scratch address and the register file) is put back before Run returns,
// whether or not the fragment succeeded.
package shellcode

import (
	"context"
	"errors"
	"fmt"

	"goinject/process"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/sys/unix"
)

// StopError reports a fragment that did not end in a breakpoint trap.
type StopError struct {
	Event process.StopEvent
	RIP   uint64 // zero when the tracee is gone
}

func (e *StopError) Error() string {
	if e.Event.Terminated() {
		return fmt.Sprintf("%s: tracee %s", process.ErrExecutionFailure, e.Event)
	}
	return fmt.Sprintf("%s: tracee %s at rip 0x%x", process.ErrExecutionFailure, e.Event, e.RIP)
}

func (e *StopError) Unwrap() error {
	return process.ErrExecutionFailure
}

// Runner executes fragments in one tracee.
type Runner struct {
	tracee process.Tracee
	log    *logger.Logger
}

// NewRunner creates a Runner for a tracee that is already stopped under our control
func NewRunner(tracee process.Tracee) *Runner {
	return &Runner{
		tracee: tracee,
		log:    logger.NewLogger(coloransi.Color(coloransi.ColorOrange, coloransi.ColorPurple, fmt.Sprintf("shellcode-%d", tracee.GetPID()))),
	}
}

// borrowed is what Run must hand back to the tracee.
type borrowed struct {
	scratch process.ProcessMemoryAddress
	code    []uint64
	regs    unix.PtraceRegs
}

// Run writes code at scratch, points RIP at it, resumes the tracee and waits
// for the trap. It returns RAX as observed at the trap.
func (r *Runner) Run(ctx context.Context, scratch process.ProcessMemoryAddress, code []uint64) (result uint64, err error) {
	if len(code) == 0 {
		return 0, errors.New("empty shellcode fragment")
	}

	orig, err := r.tracee.GetRegs()
	if err != nil {
		return 0, fmt.Errorf("snapshot registers: %w", err)
	}

	saved, err := r.tracee.ReadWords(scratch, len(code))
	if err != nil {
		return 0, fmt.Errorf("save %d words at %s: %w", len(code), scratch.ToString(), err)
	}

	b := &borrowed{scratch: scratch, code: saved, regs: orig}
	defer func() {
		if rerr := r.giveBack(b); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if err := r.tracee.WriteWords(scratch, code); err != nil {
		return 0, fmt.Errorf("write fragment at %s: %w", scratch.ToString(), err)
	}

	regs := orig
	regs.Rip = uint64(scratch)
	// keep the kernel from rewinding RIP to restart an interrupted syscall
	regs.Orig_rax = ^uint64(0)
	if err := r.tracee.SetRegs(regs); err != nil {
		return 0, fmt.Errorf("redirect rip to %s: %w", scratch.ToString(), err)
	}

	r.log.Debugln("Running", len(code), "words at", scratch.ToString())

	ev, err := r.tracee.ContinueAndWait(ctx)
	if err != nil {
		return 0, fmt.Errorf("run fragment: %w", err)
	}

	if !ev.Trapped() {
		serr := &StopError{Event: ev}
		if !ev.Terminated() {
			if post, gerr := r.tracee.GetRegs(); gerr == nil {
				serr.RIP = post.Rip
			}
		}
		return 0, serr
	}

	post, err := r.tracee.GetRegs()
	if err != nil {
		return 0, fmt.Errorf("capture result: %w", err)
	}

	r.log.Debugln("Fragment trapped at", fmt.Sprintf("0x%x", post.Rip), "rax", fmt.Sprintf("0x%x", post.Rax))
	return post.Rax, nil
}

// giveBack restores memory, then registers. Both are attempted even if the
// first fails. A tracee that no longer exists has nothing to restore.
func (r *Runner) giveBack(b *borrowed) error {
	if r.tracee.State() == process.TraceFailed {
		r.log.Warn("Tracee is gone, skipping restore at ", b.scratch.ToString())
		return nil
	}

	var errs []error
	if err := r.tracee.WriteWords(b.scratch, b.code); err != nil {
		errs = append(errs, fmt.Errorf("restore code at %s: %w", b.scratch.ToString(), err))
	}
	if err := r.tracee.SetRegs(b.regs); err != nil {
		errs = append(errs, fmt.Errorf("restore registers: %w", err))
	}
	return errors.Join(errs...)
}

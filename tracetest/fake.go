//go:build linux && amd64

// Package tracetest provides an in-memory process.Tracee for tests.
package tracetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goinject/process"
	"goinject/process/memory_map"

	"golang.org/x/sys/unix"
)

// ErrInjected is returned by operations a test asked to fail.
var ErrInjected = errors.New("injected failure")

// Tracee is a fake tracee with word-addressed memory and a register file.
// OnContinue plays the part of the CPU: it sees the memory and registers as
// written by the caller and decides how the tracee stops. It runs with the
// fake's lock held, so it must use the fields, not the methods.
type Tracee struct {
	mu sync.Mutex

	PID   process.ProcessID
	Regs  unix.PtraceRegs
	Mem   map[process.ProcessMemoryAddress]uint64
	state process.TraceState

	// OnContinue is called by ContinueAndWait. Nil means "trap immediately".
	OnContinue func(t *Tracee) (process.StopEvent, error)

	// FailWrite makes the nth WriteWords call (1-based) fail. Zero disables.
	FailWrite int
	// FailSetRegs makes the nth SetRegs call (1-based) fail. Zero disables.
	FailSetRegs int

	Writes    int
	SetsRegs  int
	Continues int
	BulkReads int
	Detached  bool
}

var _ process.Tracee = (*Tracee)(nil)

// New returns a fake tracee in the detached state.
func New(pid process.ProcessID) *Tracee {
	return &Tracee{
		PID:   pid,
		Mem:   make(map[process.ProcessMemoryAddress]uint64),
		state: process.TraceDetached,
	}
}

// NewStopped returns a fake tracee that is already attached and stopped.
func NewStopped(pid process.ProcessID) *Tracee {
	t := New(pid)
	t.state = process.TraceStopped
	return t
}

// Fill maps words at addr.
func (t *Tracee) Fill(addr process.ProcessMemoryAddress, words []uint64) {
	for i, w := range words {
		t.Mem[addr.Add(process.ProcessMemorySize(i*process.WordSize))] = w
	}
}

// Snapshot copies count words at addr, panicking on unmapped memory.
func (t *Tracee) Snapshot(addr process.ProcessMemoryAddress, count int) []uint64 {
	out := make([]uint64, count)
	for i := range out {
		a := addr.Add(process.ProcessMemorySize(i * process.WordSize))
		w, ok := t.Mem[a]
		if !ok {
			panic(fmt.Sprintf("tracetest: %s not mapped", a.ToString()))
		}
		out[i] = w
	}
	return out
}

// SetState forces the trace state.
func (t *Tracee) SetState(s process.TraceState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tracee) GetPID() process.ProcessID {
	return t.PID
}

func (t *Tracee) State() process.TraceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracee) requireStopped() error {
	if t.state != process.TraceStopped {
		return fmt.Errorf("fake %d is %s: %w", t.PID, t.state, process.ErrNotStopped)
	}
	return nil
}

func (t *Tracee) Attach(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == process.TraceDetached {
		t.state = process.TraceStopped
	}
	return nil
}

func (t *Tracee) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == process.TraceRunning {
		return process.ErrNotStopped
	}
	t.state = process.TraceDetached
	t.Detached = true
	return nil
}

func (t *Tracee) GetRegs() (unix.PtraceRegs, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireStopped(); err != nil {
		return unix.PtraceRegs{}, err
	}
	return t.Regs, nil
}

func (t *Tracee) SetRegs(regs unix.PtraceRegs) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireStopped(); err != nil {
		return err
	}
	t.SetsRegs++
	if t.SetsRegs == t.FailSetRegs {
		return ErrInjected
	}
	t.Regs = regs
	return nil
}

func (t *Tracee) ReadWords(addr process.ProcessMemoryAddress, count int) ([]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireStopped(); err != nil {
		return nil, err
	}
	out := make([]uint64, count)
	for i := range out {
		a := addr.Add(process.ProcessMemorySize(i * process.WordSize))
		w, ok := t.Mem[a]
		if !ok {
			return nil, fmt.Errorf("peek at %s: %w", a.ToString(), unix.EIO)
		}
		out[i] = w
	}
	return out, nil
}

func (t *Tracee) WriteWords(addr process.ProcessMemoryAddress, words []uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireStopped(); err != nil {
		return err
	}
	t.Writes++
	if t.Writes == t.FailWrite {
		return ErrInjected
	}
	for i, w := range words {
		a := addr.Add(process.ProcessMemorySize(i * process.WordSize))
		if _, ok := t.Mem[a]; !ok {
			return fmt.Errorf("poke at %s: %w", a.ToString(), unix.EIO)
		}
		t.Mem[a] = w
	}
	return nil
}

func (t *Tracee) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	t.mu.Lock()
	t.BulkReads++
	t.mu.Unlock()

	words, err := t.ReadWords(addr, process.WordCount(size))
	if err != nil {
		return nil, err
	}
	return process.UnpackWords(words)[:size], nil
}

func (t *Tracee) ContinueAndWait(ctx context.Context) (process.StopEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireStopped(); err != nil {
		return process.StopEvent{}, err
	}
	t.Continues++

	ev := process.StopEvent{Signal: unix.SIGTRAP}
	var err error
	if t.OnContinue != nil {
		ev, err = t.OnContinue(t)
	}
	if ev.Terminated() {
		t.state = process.TraceFailed
	} else {
		t.state = process.TraceStopped
	}
	return ev, err
}

// Maps is a memory_map.MemoryMap that returns a new snapshot per read,
// repeating the last one once exhausted.
type Maps struct {
	Snapshots [][]memory_map.Region
	Err       error
	Reads     int
}

func (m *Maps) ReadMemoryMap(pid int) ([]memory_map.Region, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	i := m.Reads
	if i >= len(m.Snapshots) {
		i = len(m.Snapshots) - 1
	}
	m.Reads++
	if i < 0 {
		return nil, nil
	}
	out := make([]memory_map.Region, len(m.Snapshots[i]))
	copy(out, m.Snapshots[i])
	return out, nil
}

//go:build linux && amd64

// Package injector transplants a payload into a traced process and starts it
// as a new thread.
//
// The sequence is: borrow executable memory of the main binary as scratch,
// run the mmap stager there to obtain a fresh region, copy the payload into
// that region, then run the thread clone stager with r11 pointing at it.
package injector

import (
	"context"
	"errors"
	"fmt"

	"goinject/process"
	"goinject/process/memory_map"
	"goinject/shellcode"
	"goinject/stager"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/google/uuid"
)

// DefaultScratchThreshold separates the main executable's mappings from
// shared libraries, the vDSO and vsyscall on x86-64 Linux. It is a heuristic:
// a PIE binary loaded high or a library loaded low defeats it.
const DefaultScratchThreshold = process.ProcessMemoryAddress(0x700000000000)

// Options tune an Injector. Zero values select the defaults.
type Options struct {
	ScratchThreshold process.ProcessMemoryAddress
	Maps             memory_map.MemoryMap
}

// Injector drives one tracee through the injection sequence.
type Injector struct {
	target    process.Tracee
	maps      memory_map.MemoryMap
	threshold process.ProcessMemoryAddress
	runner    *shellcode.Runner
	pm        *memory_map.ProcessMap
	log       *logger.Logger
	runID     string

	payloadRegion process.ProcessMemoryAddress
}

// New creates an Injector for target. The target is not attached yet.
func New(target process.Tracee, opts Options) *Injector {
	if opts.ScratchThreshold == 0 {
		opts.ScratchThreshold = DefaultScratchThreshold
	}
	if opts.Maps == nil {
		opts.Maps = memory_map.NewLinuxMemoryMap()
	}

	runID := uuid.New().String()
	return &Injector{
		target:    target,
		maps:      opts.Maps,
		threshold: opts.ScratchThreshold,
		runner:    shellcode.NewRunner(target),
		log:       logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.Red, fmt.Sprintf("injector-%d-%s", target.GetPID(), runID[:8]))),
		runID:     runID,
	}
}

// RunID identifies this injection attempt in logs
func (in *Injector) RunID() string {
	return in.runID
}

// PayloadRegion returns the address produced by the last AllocateRegion, or 0
func (in *Injector) PayloadRegion() process.ProcessMemoryAddress {
	return in.payloadRegion
}

// Attach takes tracer control of the target and reads its memory map. A
// target that is already stopped under our control is only mapped.
func (in *Injector) Attach(ctx context.Context) error {
	if err := in.target.Attach(ctx); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	pm, err := memory_map.NewProcessMap(in.target.GetPID(), in.maps)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	in.pm = pm

	in.log.Infoln("Attached, run", in.runID, "-", len(pm.Regions()), "regions mapped")
	return nil
}

// Detach releases the target, which keeps running along with any thread we started
func (in *Injector) Detach() error {
	if err := in.target.Detach(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	in.log.Infoln("Detached")
	return nil
}

// FindExecutableScratch returns the first executable region starting below
// threshold. Regions at or above it are never chosen.
func FindExecutableScratch(pm *memory_map.ProcessMap, threshold process.ProcessMemoryAddress) (memory_map.Region, error) {
	for _, r := range pm.Regions() {
		if r.Start >= threshold {
			continue
		}
		if r.IsExecutable() {
			return r, nil
		}
	}
	return memory_map.Region{}, fmt.Errorf("pid %d below %s: %w", pm.PID(), threshold.ToString(), process.ErrNotFound)
}

// FindExecutableScratch picks scratch space with the injector's threshold
func (in *Injector) FindExecutableScratch() (memory_map.Region, error) {
	if in.pm == nil {
		return memory_map.Region{}, fmt.Errorf("no memory map: %w", process.ErrProcessNotOpen)
	}
	return FindExecutableScratch(in.pm, in.threshold)
}

// runStager borrows the scratch region for one fragment.
func (in *Injector) runStager(ctx context.Context, a stager.Artifact) (uint64, error) {
	region, err := in.FindExecutableScratch()
	if err != nil {
		return 0, err
	}

	if a.Size() > region.Size() {
		return 0, fmt.Errorf("%s needs %s, scratch %s holds %s: %w",
			a, a.Size().ToString(), region.Start.ToString(), region.Size().ToString(), process.ErrNotFound)
	}

	in.log.Infoln("Running", a.Name, "stager in", region.String())
	return in.runner.Run(ctx, region.Start, a.Words())
}

// AllocateRegion runs the mmap stager and records the address it returns as
// the payload region.
func (in *Injector) AllocateRegion(ctx context.Context, mmapStager stager.Artifact) (process.ProcessMemoryAddress, error) {
	if len(mmapStager.Data) == 0 {
		return 0, fmt.Errorf("allocate region: %w", stager.ErrEmptyArtifact)
	}

	rax, err := in.runStager(ctx, mmapStager)
	if err != nil {
		return 0, fmt.Errorf("allocate region: %w", err)
	}

	// raw mmap reports failure as -errno in rax
	if int64(rax) < 0 && int64(rax) >= -4095 {
		return 0, fmt.Errorf("allocate region: mmap stager failed with errno %d: %w", -int64(rax), process.ErrExecutionFailure)
	}

	addr := process.ProcessMemoryAddress(rax)
	if err := in.pm.Refresh(); err != nil {
		return 0, fmt.Errorf("allocate region: %w", err)
	}
	for _, r := range in.pm.Regions() {
		in.log.Debugln(r.String())
	}
	if _, ok := in.pm.FindRegion(addr); !ok {
		return 0, fmt.Errorf("allocate region: stager returned %s: %w", addr.ToString(), process.ErrAddressNotMapped)
	}

	in.payloadRegion = addr
	in.log.Infoln("Payload region at", addr.ToString())
	return addr, nil
}

// SpawnPayload copies payload into the payload region and runs the thread
// clone stager with r11 holding the region's address. The calling thread's
// registers are put back afterwards, leaving only the new thread behind.
func (in *Injector) SpawnPayload(ctx context.Context, payload, threadStager stager.Artifact) error {
	if in.payloadRegion == 0 {
		return fmt.Errorf("spawn payload: %w", process.ErrNotAllocated)
	}
	if len(payload.Data) == 0 || len(threadStager.Data) == 0 {
		return fmt.Errorf("spawn payload: %w", stager.ErrEmptyArtifact)
	}

	region, ok := in.pm.FindRegion(in.payloadRegion)
	if !ok || in.payloadRegion.Add(payload.Size()) > region.End {
		return fmt.Errorf("spawn payload: %s does not fit at %s: %w", payload, in.payloadRegion.ToString(), process.ErrAddressNotMapped)
	}

	words := payload.Words()
	if err := in.target.WriteWords(in.payloadRegion, words); err != nil {
		return fmt.Errorf("spawn payload: write payload: %w", err)
	}
	// process_vm_readv honours page protections, ptrace does not
	if region.IsReadable() {
		if err := in.verifyPayload(words); err != nil {
			return fmt.Errorf("spawn payload: %w", err)
		}
	} else {
		in.log.Debugln("Payload region", region.String(), "is not readable, skipping verification")
	}

	backup, err := in.target.GetRegs()
	if err != nil {
		return fmt.Errorf("spawn payload: %w", err)
	}

	regs := backup
	regs.R11 = uint64(in.payloadRegion)
	if err := in.target.SetRegs(regs); err != nil {
		return fmt.Errorf("spawn payload: pass payload address: %w", err)
	}

	_, runErr := in.runStager(ctx, threadStager)
	if err := in.target.SetRegs(backup); err != nil {
		return errors.Join(runErr, fmt.Errorf("spawn payload: restore registers: %w", err))
	}
	if runErr != nil {
		return fmt.Errorf("spawn payload: %w", runErr)
	}

	in.log.Infoln("Payload thread started at", in.payloadRegion.ToString())
	return nil
}

// verifyPayload reads the payload back through the bulk read path.
func (in *Injector) verifyPayload(words []uint64) error {
	want := process.UnpackWords(words)
	got, err := in.target.ReadMemory(in.payloadRegion, process.ProcessMemorySize(len(want)))
	if err != nil {
		return fmt.Errorf("verify payload: %w", err)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("verify payload: byte %d at %s is 0x%02x, want 0x%02x",
				i, in.payloadRegion.Add(process.ProcessMemorySize(i)).ToString(), got[i], want[i])
		}
	}
	return nil
}

// Inject runs the whole sequence and always tries to detach, so the target
// is never left stopped. Memory already allocated is not reclaimed on failure.
func (in *Injector) Inject(ctx context.Context, set stager.Set) (err error) {
	if err := in.Attach(ctx); err != nil {
		// Attach may have succeeded at the ptrace level before the map read failed
		return errors.Join(err, in.detachIfAttached())
	}
	defer func() {
		err = errors.Join(err, in.detachIfAttached())
	}()

	if _, err := in.AllocateRegion(ctx, set.Mmap); err != nil {
		return err
	}
	return in.SpawnPayload(ctx, set.Payload, set.ThreadClone)
}

func (in *Injector) detachIfAttached() error {
	switch in.target.State() {
	case process.TraceStopped, process.TraceFailed:
		return in.Detach()
	}
	return nil
}

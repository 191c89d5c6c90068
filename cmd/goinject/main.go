//go:build linux && amd64

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goinject/config"
	"goinject/injector"
	"goinject/process"
	"goinject/process_linux"
	"goinject/stager"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/spf13/cobra"
)

var (
	configFlag  string
	pidFlag     int
	nameFlag    string
	forkFlag    bool
	victimFlag  string
	payloadFlag string
	mmapFlag    string
	cloneFlag   string
	timeoutFlag time.Duration

	log = logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, "goinject"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "goinject",
		Short:        "Start a payload as a new thread inside a running process",
		SilenceUsage: true,
		RunE:         run,
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configFlag, "config", "c", "", "TOML configuration file")
	flags.IntVarP(&pidFlag, "pid", "p", 0, "Process ID to inject into")
	flags.StringVarP(&nameFlag, "name", "n", "", "Inject into the lowest pid with this process name")
	flags.BoolVarP(&forkFlag, "fork", "f", false, "Fork a local victim program instead of attaching")
	flags.StringVar(&victimFlag, "victim", config.DefaultVictim, "Program started in --fork mode")
	flags.StringVarP(&payloadFlag, "shellcode", "s", config.DefaultPayload, "Payload to run in the new thread")
	flags.StringVar(&mmapFlag, "mmap-stager", config.DefaultMmapStager, "Stager that allocates the payload region")
	flags.StringVar(&cloneFlag, "thread-stager", config.DefaultThreadStager, "Stager that starts the payload thread")
	flags.DurationVar(&timeoutFlag, "timeout", config.DefaultWaitTimeout, "How long a stager may run before it is stopped (0 waits forever)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers the command line over the config file over the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configFlag != "" {
		var err error
		if cfg, err = config.LoadFile(configFlag); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	if f.Changed("pid") || f.Changed("name") || f.Changed("fork") {
		cfg.Target.PID = pidFlag
		cfg.Target.Name = nameFlag
		cfg.Target.Fork = forkFlag
	}
	if f.Changed("victim") {
		cfg.Target.Victim = victimFlag
	}
	if f.Changed("shellcode") {
		cfg.Stagers.Payload = payloadFlag
	}
	if f.Changed("mmap-stager") {
		cfg.Stagers.Mmap = mmapFlag
	}
	if f.Changed("thread-stager") {
		cfg.Stagers.ThreadClone = cloneFlag
	}
	if f.Changed("timeout") {
		cfg.Runner.WaitTimeout = timeoutFlag
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.HasTarget() {
		return nil, errors.New("one of --pid, --name or --fork is required")
	}
	return cfg, nil
}

// openTarget returns a tracer for the selected process. In fork mode the
// victim is already stopped under our control.
func openTarget(ctx context.Context, cfg *config.Config) (*process_linux.Tracer, error) {
	if cfg.Target.Fork {
		log.Infoln("Forking victim", cfg.Target.Victim)
		return process_linux.Launch(ctx, cfg.Runner.WaitTimeout, cfg.Target.Victim)
	}

	pid := cfg.Target.PID
	if cfg.Target.Name != "" {
		info, err := process_linux.OneByName(cfg.Target.Name)
		if err != nil {
			return nil, err
		}
		pid = int(info.PID)
	}

	if !process_linux.ProcessExists(pid) {
		return nil, fmt.Errorf("process with PID %d does not exist: %w", pid, process.ErrProcessNotOpen)
	}
	tracer := process_linux.NewTracer(process.ProcessID(pid))
	tracer.SetWaitTimeout(cfg.Runner.WaitTimeout)
	return tracer, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	set, err := stager.LoadSet(cfg.Stagers.Mmap, cfg.Stagers.ThreadClone, cfg.Stagers.Payload)
	if err != nil {
		return err
	}
	log.Infoln("Loaded", set.Mmap, set.ThreadClone, set.Payload)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := openTarget(ctx, cfg)
	if err != nil {
		return err
	}
	defer tracer.Close()

	in := injector.New(tracer, injector.Options{
		ScratchThreshold: process.ProcessMemoryAddress(cfg.Runner.ScratchThreshold),
	})

	if err := in.Inject(ctx, set); err != nil {
		if cfg.Target.Fork {
			// our own test victim, don't leave it behind half injected
			_ = syscall.Kill(int(tracer.GetPID()), syscall.SIGKILL)
		}
		return fmt.Errorf("injection into %d (run %s) failed: %w", tracer.GetPID(), in.RunID(), err)
	}

	log.Infoln("Injected into", tracer.GetPID(), "payload at", in.PayloadRegion().ToString())
	return nil
}

// Package config loads the injector configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the resolved configuration.
type Config struct {
	Target struct {
		PID    int
		Name   string
		Fork   bool
		Victim string
	}
	Stagers struct {
		Mmap        string
		ThreadClone string
		Payload     string
	}
	Runner struct {
		WaitTimeout      time.Duration
		ScratchThreshold uint64
	}
}

type tomlConfig struct {
	Target struct {
		PID    int    `toml:"pid"`
		Name   string `toml:"name"`
		Fork   bool   `toml:"fork"`
		Victim string `toml:"victim"`
	} `toml:"target"`

	Stagers struct {
		Mmap        string `toml:"mmap"`
		ThreadClone string `toml:"thread_clone"`
		Payload     string `toml:"payload"`
	} `toml:"stagers"`

	Runner struct {
		WaitTimeout      string `toml:"wait_timeout"`
		ScratchThreshold string `toml:"scratch_threshold"`
	} `toml:"runner"`
}

const (
	DefaultVictim           = "./victim"
	DefaultMmapStager       = "./rsrc/mmap.bin"
	DefaultThreadStager     = "./rsrc/thread_clone.bin"
	DefaultPayload          = "./shellcode.bin"
	DefaultWaitTimeout      = 10 * time.Second
	DefaultScratchThreshold = 0x700000000000
)

// Default returns the configuration used when no file is given
func Default() *Config {
	c := &Config{}
	c.Target.Victim = DefaultVictim
	c.Stagers.Mmap = DefaultMmapStager
	c.Stagers.ThreadClone = DefaultThreadStager
	c.Stagers.Payload = DefaultPayload
	c.Runner.WaitTimeout = DefaultWaitTimeout
	c.Runner.ScratchThreshold = DefaultScratchThreshold
	return c
}

// LoadFile reads path over the defaults
func LoadFile(path string) (*Config, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	c := Default()
	if conf.Target.PID != 0 {
		c.Target.PID = conf.Target.PID
	}
	c.Target.Name = conf.Target.Name
	c.Target.Fork = conf.Target.Fork
	if conf.Target.Victim != "" {
		c.Target.Victim = conf.Target.Victim
	}

	if conf.Stagers.Mmap != "" {
		c.Stagers.Mmap = conf.Stagers.Mmap
	}
	if conf.Stagers.ThreadClone != "" {
		c.Stagers.ThreadClone = conf.Stagers.ThreadClone
	}
	if conf.Stagers.Payload != "" {
		c.Stagers.Payload = conf.Stagers.Payload
	}

	if conf.Runner.WaitTimeout != "" {
		d, err := time.ParseDuration(conf.Runner.WaitTimeout)
		if err != nil {
			return nil, fmt.Errorf("runner.wait_timeout: %w", err)
		}
		c.Runner.WaitTimeout = d
	}
	if conf.Runner.ScratchThreshold != "" {
		v, err := strconv.ParseUint(conf.Runner.ScratchThreshold, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("runner.scratch_threshold: %w", err)
		}
		c.Runner.ScratchThreshold = v
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that exactly one way of selecting the target is set
func (c *Config) Validate() error {
	selectors := 0
	if c.Target.PID != 0 {
		selectors++
	}
	if c.Target.Name != "" {
		selectors++
	}
	if c.Target.Fork {
		selectors++
	}

	switch {
	case selectors > 1:
		return errors.New("target: pid, name and fork are mutually exclusive")
	case c.Target.PID < 0:
		return fmt.Errorf("target: invalid pid %d", c.Target.PID)
	case c.Runner.WaitTimeout < 0:
		return fmt.Errorf("runner: negative wait timeout %s", c.Runner.WaitTimeout)
	case c.Runner.ScratchThreshold == 0:
		return errors.New("runner: scratch threshold must be non-zero")
	}
	return nil
}

// HasTarget reports whether a target selector is set
func (c *Config) HasTarget() bool {
	return c.Target.PID != 0 || c.Target.Name != "" || c.Target.Fork
}

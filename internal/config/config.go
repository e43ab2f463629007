// Package config loads the agent's local YAML override file: GPIO line
// assignments and timing tunables that vary per physical installation but
// aren't secret. Command-line flags (cmd/sentryd) take precedence over
// this file; this file takes precedence over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentrynode/sentryd/internal/sentryerr"
)

// GPIOLine is one line assignment: a sysfs GPIO number plus polarity.
type GPIOLine struct {
	GPIO      int  `yaml:"gpio"`
	ActiveLow bool `yaml:"active_low"`
}

// Config is the on-disk shape of the optional local override file.
type Config struct {
	GPIO struct {
		Siren       GPIOLine `yaml:"siren"`
		Floodlight  GPIOLine `yaml:"floodlight"`
		DoorContact GPIOLine `yaml:"door_contact"`
		PanicInput  GPIOLine `yaml:"panic_input"`
	} `yaml:"gpio"`

	Timing struct {
		DefaultExitDelay      time.Duration `yaml:"default_exit_delay"`
		DefaultEntryDelay     time.Duration `yaml:"default_entry_delay"`
		SirenMaxDuration      time.Duration `yaml:"siren_max_duration"`
		FloodlightMaxDuration time.Duration `yaml:"floodlight_max_duration"`
	} `yaml:"timing"`

	Queue struct {
		MaxAge   time.Duration `yaml:"max_age"`
		MaxCount int           `yaml:"max_count"`
	} `yaml:"queue"`
}

// Default returns the built-in configuration used when no override file
// is present.
func Default() Config {
	var c Config
	c.GPIO.Siren = GPIOLine{GPIO: 17}
	c.GPIO.Floodlight = GPIOLine{GPIO: 27}
	c.GPIO.DoorContact = GPIOLine{GPIO: 22, ActiveLow: true}
	c.GPIO.PanicInput = GPIOLine{GPIO: 23, ActiveLow: true}
	c.Timing.DefaultExitDelay = 30 * time.Second
	c.Timing.DefaultEntryDelay = 30 * time.Second
	c.Timing.SirenMaxDuration = 3 * time.Minute
	c.Timing.FloodlightMaxDuration = 10 * time.Minute
	c.Queue.MaxAge = 7 * 24 * time.Hour
	c.Queue.MaxCount = 50000
	return c
}

// Load reads path over the defaults. A missing file is not an error: the
// defaults are returned unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("config: %w: read %s: %v", sentryerr.Config, path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: %w: parse %s: %v", sentryerr.Config, path, err)
	}
	return c, nil
}

// Validate checks the loaded configuration for values that would make the
// agent unsafe or impossible to start, the only class of startup error
// main.go treats as fatal: a bad GPIO override file or flag is a
// misconfiguration the operator needs to fix, not a degraded-mode failure.
func (c Config) Validate() error {
	lines := map[string]GPIOLine{
		"gpio.siren":        c.GPIO.Siren,
		"gpio.floodlight":   c.GPIO.Floodlight,
		"gpio.door_contact": c.GPIO.DoorContact,
		"gpio.panic_input":  c.GPIO.PanicInput,
	}
	seen := make(map[int]string, len(lines))
	for name, line := range lines {
		if line.GPIO < 0 {
			return fmt.Errorf("config: %w: %s: gpio number %d must not be negative", sentryerr.Config, name, line.GPIO)
		}
		if other, ok := seen[line.GPIO]; ok {
			return fmt.Errorf("config: %w: %s and %s both claim gpio %d", sentryerr.Config, other, name, line.GPIO)
		}
		seen[line.GPIO] = name
	}

	durations := map[string]time.Duration{
		"timing.default_exit_delay":     c.Timing.DefaultExitDelay,
		"timing.default_entry_delay":    c.Timing.DefaultEntryDelay,
		"timing.siren_max_duration":     c.Timing.SirenMaxDuration,
		"timing.floodlight_max_duration": c.Timing.FloodlightMaxDuration,
		"queue.max_age":                 c.Queue.MaxAge,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("config: %w: %s must not be negative, got %s", sentryerr.Config, name, d)
		}
	}

	if c.Queue.MaxCount < 0 {
		return fmt.Errorf("config: %w: queue.max_count must not be negative, got %d", sentryerr.Config, c.Queue.MaxCount)
	}
	return nil
}

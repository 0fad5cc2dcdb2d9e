package config

import (
	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
)

// Config holds the tablet MVCC tunables.
type Config struct {
	LogLevel string `toml:"log-level"`

	// Maximum error of the wall clock across nodes, used by commit-wait
	// transactions to pick a timestamp no node considers to be in the past.
	MaxClockUncertaintyUs int64 `toml:"max-clock-uncertainty-us"`
	// How far ahead of the local wall clock an externally observed hybrid
	// time may be before a clock update is rejected.
	MaxClockForwardDriftUs int64 `toml:"max-clock-forward-drift-us"`
	// Log a warning when this many waiters are blocked on one coordinator.
	// Set 0 to disable.
	WaitQueueWarnThreshold int `toml:"wait-queue-warn-threshold"`
}

var DefaultConf = Config{
	LogLevel:               "info",
	MaxClockUncertaintyUs:  50 * 1000,
	MaxClockForwardDriftUs: 500 * 1000,
	WaitQueueWarnThreshold: 128,
}

// Load reads a toml file on top of the defaults.
func Load(path string) (*Config, error) {
	conf := DefaultConf
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	if c.MaxClockUncertaintyUs < 0 {
		return errors.Errorf("max-clock-uncertainty-us must not be negative, got %d", c.MaxClockUncertaintyUs)
	}
	if c.MaxClockForwardDriftUs < 0 {
		return errors.Errorf("max-clock-forward-drift-us must not be negative, got %d", c.MaxClockForwardDriftUs)
	}
	if c.WaitQueueWarnThreshold < 0 {
		return errors.Errorf("wait-queue-warn-threshold must not be negative, got %d", c.WaitQueueWarnThreshold)
	}
	return nil
}

package scheduler

import (
	"time"
)

// Config controls scheduler intervals, batch sizes, and the UTC hours the
// daily sweeps fire at.
type Config struct {
	RunInterval   time.Duration
	RetryInterval time.Duration
	BatchSize     int

	ReconcileHourUTC int
	OverdueHourUTC   int
	PreDueHourUTC    int
	DowngradeHourUTC int

	// EnabledJobs restricts the scheduler to the named jobs. Empty means
	// everything runs in one process.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   time.Minute,
		RetryInterval: 5 * time.Minute,
		BatchSize:     200,

		ReconcileHourUTC: 2,
		OverdueHourUTC:   0,
		PreDueHourUTC:    10,
		DowngradeHourUTC: 1,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaults.RetryInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ReconcileHourUTC < 0 || c.ReconcileHourUTC > 23 {
		c.ReconcileHourUTC = defaults.ReconcileHourUTC
	}
	if c.OverdueHourUTC < 0 || c.OverdueHourUTC > 23 {
		c.OverdueHourUTC = defaults.OverdueHourUTC
	}
	if c.PreDueHourUTC < 0 || c.PreDueHourUTC > 23 {
		c.PreDueHourUTC = defaults.PreDueHourUTC
	}
	if c.DowngradeHourUTC < 0 || c.DowngradeHourUTC > 23 {
		c.DowngradeHourUTC = defaults.DowngradeHourUTC
	}
	return c
}

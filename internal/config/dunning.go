package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningConfig controls the overdue escalation thresholds. All values are
// whole days relative to an invoice's due date.
type DunningConfig struct {
	// ReminderCheckpointDays are the days-past-due marks at which an
	// overdue reminder is sent and the invoice moves to OVERDUE.
	ReminderCheckpointDays []int `mapstructure:"reminderCheckpointDays"`
	// SuspensionThresholdDays is the days-past-due mark at which the
	// invoice is suspended.
	SuspensionThresholdDays int `mapstructure:"suspensionThresholdDays"`
	// ReminderBeforeDueDays is the window before the due date during
	// which a due-soon reminder is sent.
	ReminderBeforeDueDays int `mapstructure:"reminderBeforeDueDays"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		ReminderCheckpointDays:  []int{3, 7, 14},
		SuspensionThresholdDays: 15,
		ReminderBeforeDueDays:   3,
	}
}

// DunningConfigHolder exposes the current dunning thresholds with hot reload
// from a mounted config file. Sweeps read it once per run.
type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/postbill/config") // Volume-mounted config
	v.AddConfigPath("/etc/postbill")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("POSTBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultDunningConfig()
		v.SetDefault("dunning.reminderCheckpointDays", defaults.ReminderCheckpointDays)
		v.SetDefault("dunning.suspensionThresholdDays", defaults.SuspensionThresholdDays)
		v.SetDefault("dunning.reminderBeforeDueDays", defaults.ReminderBeforeDueDays)
	}

	var cfg DunningConfig
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return nil, err
	}
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningConfig
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := validateDunningConfig(updated); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticDunningConfigHolder wraps fixed thresholds, bypassing file watch.
func NewStaticDunningConfigHolder(cfg DunningConfig) (*DunningConfigHolder, error) {
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}
	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *DunningConfigHolder) Current() DunningConfig {
	if h == nil {
		return DefaultDunningConfig()
	}
	cfg, ok := h.current.Load().(DunningConfig)
	if !ok {
		return DefaultDunningConfig()
	}
	return cfg
}

func validateDunningConfig(cfg DunningConfig) error {
	if cfg.SuspensionThresholdDays <= 0 {
		return errors.New("dunning: suspension threshold must be positive")
	}
	if cfg.ReminderBeforeDueDays < 0 {
		return errors.New("dunning: reminder-before-due days must not be negative")
	}
	if len(cfg.ReminderCheckpointDays) == 0 {
		return errors.New("dunning: at least one reminder checkpoint is required")
	}
	sorted := append([]int(nil), cfg.ReminderCheckpointDays...)
	sort.Ints(sorted)
	for _, day := range sorted {
		if day <= 0 {
			return errors.New("dunning: reminder checkpoints must be positive")
		}
		if day >= cfg.SuspensionThresholdDays {
			return errors.New("dunning: reminder checkpoints must precede suspension")
		}
	}
	return nil
}

package config

import (
	"testing"
)

func TestNewStaticDunningConfigHolder(t *testing.T) {
	cfg := DunningConfig{
		ReminderCheckpointDays:  []int{1, 5},
		SuspensionThresholdDays: 10,
		ReminderBeforeDueDays:   2,
	}
	holder, err := NewStaticDunningConfigHolder(cfg)
	if err != nil {
		t.Fatalf("NewStaticDunningConfigHolder: %v", err)
	}

	got := holder.Current()
	if got.SuspensionThresholdDays != 10 || got.ReminderBeforeDueDays != 2 {
		t.Errorf("unexpected config: %+v", got)
	}
	if len(got.ReminderCheckpointDays) != 2 {
		t.Errorf("expected 2 checkpoints, got %v", got.ReminderCheckpointDays)
	}
}

func TestNewStaticDunningConfigHolder_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  DunningConfig
	}{
		{"zero suspension threshold", DunningConfig{
			ReminderCheckpointDays:  []int{3},
			SuspensionThresholdDays: 0,
		}},
		{"negative pre-due window", DunningConfig{
			ReminderCheckpointDays:  []int{3},
			SuspensionThresholdDays: 15,
			ReminderBeforeDueDays:   -1,
		}},
		{"no checkpoints", DunningConfig{
			SuspensionThresholdDays: 15,
		}},
		{"non-positive checkpoint", DunningConfig{
			ReminderCheckpointDays:  []int{0, 3},
			SuspensionThresholdDays: 15,
		}},
		{"checkpoint at suspension", DunningConfig{
			ReminderCheckpointDays:  []int{3, 15},
			SuspensionThresholdDays: 15,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewStaticDunningConfigHolder(tc.cfg); err == nil {
				t.Error("expected validation to reject the config")
			}
		})
	}
}

func TestDunningConfigHolder_NilFallsBackToDefaults(t *testing.T) {
	var holder *DunningConfigHolder
	got := holder.Current()
	want := DefaultDunningConfig()
	if got.SuspensionThresholdDays != want.SuspensionThresholdDays {
		t.Errorf("expected default threshold %d, got %d",
			want.SuspensionThresholdDays, got.SuspensionThresholdDays)
	}
}

package config

import (
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
	if cfg.SignalConfig.VolumeMultiplier != 2.0 {
		t.Errorf("expected default multiplier 2.0, got %v", cfg.SignalConfig.VolumeMultiplier)
	}
	if cfg.SignalConfig.ConsecutiveLongCount != 5 {
		t.Errorf("expected default run threshold 5, got %d", cfg.SignalConfig.ConsecutiveLongCount)
	}
}

func TestSignalConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SignalConfig)
		wantErr bool
	}{
		{"valid defaults", func(c *SignalConfig) {}, false},
		{"negative multiplier", func(c *SignalConfig) { c.VolumeMultiplier = -1 }, true},
		{"zero multiplier", func(c *SignalConfig) { c.VolumeMultiplier = 0 }, true},
		{"unknown volume type", func(c *SignalConfig) { c.VolumeType = "sideways" }, true},
		{"short volume type", func(c *SignalConfig) { c.VolumeType = VolumeTypeShort }, false},
		{"zero run threshold", func(c *SignalConfig) { c.ConsecutiveLongCount = 0 }, true},
		{"negative offset", func(c *SignalConfig) { c.OffsetMinutes = -5 }, true},
		{"negative gap threshold", func(c *SignalConfig) { c.MinGapPercent = -0.1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default().SignalConfig
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestStoreSwap(t *testing.T) {
	store := NewStore(Default().SignalConfig)

	first := store.Snapshot()
	if first.VolumeMultiplier != 2.0 {
		t.Fatalf("expected 2.0, got %v", first.VolumeMultiplier)
	}

	next := *first
	next.VolumeMultiplier = 3.5
	if err := store.Update(next); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if store.Snapshot().VolumeMultiplier != 3.5 {
		t.Error("snapshot should reflect the published update")
	}
	// The previously loaded snapshot stays untouched.
	if first.VolumeMultiplier != 2.0 {
		t.Error("old snapshot must be immutable")
	}
}

func TestStoreRejectsInvalidUpdate(t *testing.T) {
	store := NewStore(Default().SignalConfig)

	bad := Default().SignalConfig
	bad.VolumeMultiplier = -2
	if err := store.Update(bad); err == nil {
		t.Fatal("expected error for invalid snapshot")
	}
	if store.Snapshot().VolumeMultiplier != 2.0 {
		t.Error("failed update must not replace the snapshot")
	}
}

package batch

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.MaxItemsPerBatch != 500 {
		t.Errorf("expected 500 items per batch, got %d", cfg.MaxItemsPerBatch)
	}
	if cfg.OldBatchThreshold != 18*time.Hour {
		t.Errorf("expected 18h threshold, got %s", cfg.OldBatchThreshold)
	}
	if cfg.MaxItemSize > cfg.MaxBatchSize {
		t.Errorf("max item size %d exceeds max batch size %d", cfg.MaxItemSize, cfg.MaxBatchSize)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero item size", func(c *Config) { c.MaxItemSize = 0 }},
		{"zero items per batch", func(c *Config) { c.MaxItemsPerBatch = 0 }},
		{"negative batch size", func(c *Config) { c.MaxBatchSize = -1 }},
		{"zero threshold", func(c *Config) { c.OldBatchThreshold = 0 }},
		{"item larger than batch", func(c *Config) { c.MaxItemSize = c.MaxBatchSize + 1 }},
		{"negative writable age", func(c *Config) { c.MaxWritableAge = -time.Second }},
		{"negative disk space", func(c *Config) { c.MaxDiskSpace = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfigOptionalLimitsMayBeZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWritableAge = 0
	cfg.MaxDiskSpace = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero age and quota should disable those limits: %v", err)
	}
}

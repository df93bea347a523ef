// Package config loads the batchstore configuration.
//
// Configuration comes from an optional file (YAML, TOML or JSON, picked by
// extension) and BATCHSTORE_* environment variables, layered over built-in
// defaults. Nested keys map to env vars with dots replaced by underscores:
// upload.timeout is BATCHSTORE_UPLOAD_TIMEOUT.
//
// Storage thresholds have a default section ("storage") and optional
// per-feature overrides ("features.<name>"); a feature only lists the fields
// it changes.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "BATCHSTORE"

// Backend kinds.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Compression kinds for the file backend.
const (
	CompressionNone = "none"
	CompressionZstd   = "zstd"
	CompressionBrotli = "brotli"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the full configuration.
type Config struct {
	// Home is the home directory; empty means the platform default.
	Home        string `mapstructure:"home"`
	Backend     string `mapstructure:"backend"`
	Compression string `mapstructure:"compression"`
	// Consent is the initial tracking consent: pending, granted or not_granted.
	Consent string `mapstructure:"consent"`

	Log     LogConfig     `mapstructure:"log"`
	Sweep   SweepConfig   `mapstructure:"sweep"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	Storage  StorageConfig            `mapstructure:"storage"`
	Features map[string]StorageConfig `mapstructure:"features"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
	// File enables a rotated log file in addition to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	// Components overrides the level per component, e.g. {"orchestrator": "debug"}.
	Components map[string]string `mapstructure:"components"`
}

// SweepConfig sets the maintenance intervals. Zero disables a sweep.
type SweepConfig struct {
	Rotation  time.Duration `mapstructure:"rotation"`
	Retention time.Duration `mapstructure:"retention"`
}

// UploadConfig configures the upload workers.
type UploadConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"` // batches per second, 0 = unlimited
	Burst       int           `mapstructure:"burst"`
	Parallelism int           `mapstructure:"parallelism"`
	History     int           `mapstructure:"history"`
	// FlushCron flushes every feature on a cron schedule with a seconds
	// field, e.g. "0 0 3 * * *". Empty disables it.
	FlushCron string `mapstructure:"flush_cron"`
}

// MetricsConfig configures the Prometheus endpoint of the serve command.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig is the file form of batch.Config. Sizes accept suffixes
// (512KB, 4MB, 1GB). Nil fields inherit from the default section.
type StorageConfig struct {
	MaxItemSize       *string        `mapstructure:"max_item_size"`
	MaxItemsPerBatch  *int           `mapstructure:"max_items_per_batch"`
	MaxBatchSize      *string        `mapstructure:"max_batch_size"`
	OldBatchThreshold *time.Duration `mapstructure:"old_batch_threshold"`
	MaxWritableAge    *time.Duration `mapstructure:"max_writable_age"`
	MaxDiskSpace      *string        `mapstructure:"max_disk_space"`
}

// DefaultFeatures are created when the file lists none.
var DefaultFeatures = []string{"logs", "rum", "traces"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", "")
	v.SetDefault("backend", BackendFile)
	v.SetDefault("compression", CompressionZstd)
	v.SetDefault("consent", "granted")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("sweep.rotation", "15s")
	v.SetDefault("sweep.retention", "1m")

	v.SetDefault("upload.interval", "10s")
	v.SetDefault("upload.timeout", "30s")
	v.SetDefault("upload.rate_limit", 0)
	v.SetDefault("upload.burst", 1)
	v.SetDefault("upload.parallelism", 2)
	v.SetDefault("upload.history", 64)
	v.SetDefault("upload.flush_cron", "")

	v.SetDefault("metrics.listen", "")

	d := batch.DefaultConfig()
	v.SetDefault("storage.max_item_size", strconv.FormatInt(d.MaxItemSize, 10))
	v.SetDefault("storage.max_items_per_batch", d.MaxItemsPerBatch)
	v.SetDefault("storage.max_batch_size", strconv.FormatInt(d.MaxBatchSize, 10))
	v.SetDefault("storage.old_batch_threshold", d.OldBatchThreshold.String())
	v.SetDefault("storage.max_writable_age", d.MaxWritableAge.String())
	v.SetDefault("storage.max_disk_space", strconv.FormatInt(d.MaxDiskSpace, 10))
}

// Load reads path (if non-empty) and the environment over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Features) == 0 {
		cfg.Features = make(map[string]StorageConfig, len(DefaultFeatures))
		for _, name := range DefaultFeatures {
			cfg.Features[name] = StorageConfig{}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enums and every feature's thresholds.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile, BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch c.Compression {
	case CompressionNone, CompressionZstd, CompressionBrotli:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalid, c.Compression)
	}
	if c.Sweep.Rotation < 0 || c.Sweep.Retention < 0 {
		return fmt.Errorf("%w: sweep intervals must not be negative", ErrInvalid)
	}
	if c.Upload.RateLimit < 0 {
		return fmt.Errorf("%w: upload rate limit must not be negative", ErrInvalid)
	}
	for _, name := range c.FeatureNames() {
		if _, err := c.FeatureStorage(name); err != nil {
			return err
		}
	}
	return nil
}

// FeatureNames returns the configured features, sorted.
func (c Config) FeatureNames() []string {
	names := make([]string, 0, len(c.Features))
	for name := range c.Features {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// FeatureStorage resolves the thresholds of a feature: its overrides on top
// of the default section on top of batch.DefaultConfig.
func (c Config) FeatureStorage(name string) (batch.Config, error) {
	out := batch.DefaultConfig()
	if err := c.Storage.apply(&out); err != nil {
		return batch.Config{}, fmt.Errorf("%w: storage: %w", ErrInvalid, err)
	}
	if override, ok := c.Features[name]; ok {
		if err := override.apply(&out); err != nil {
			return batch.Config{}, fmt.Errorf("%w: features.%s: %w", ErrInvalid, name, err)
		}
	}
	if err := out.Validate(); err != nil {
		return batch.Config{}, fmt.Errorf("features.%s: %w", name, err)
	}
	return out, nil
}

func (s StorageConfig) apply(dst *batch.Config) error {
	if s.MaxItemSize != nil {
		n, err := ParseBytes(*s.MaxItemSize)
		if err != nil {
			return fmt.Errorf("max_item_size: %w", err)
		}
		dst.MaxItemSize = n
	}
	if s.MaxItemsPerBatch != nil {
		dst.MaxItemsPerBatch = *s.MaxItemsPerBatch
	}
	if s.MaxBatchSize != nil {
		n, err := ParseBytes(*s.MaxBatchSize)
		if err != nil {
			return fmt.Errorf("max_batch_size: %w", err)
		}
		dst.MaxBatchSize = n
	}
	if s.OldBatchThreshold != nil {
		dst.OldBatchThreshold = *s.OldBatchThreshold
	}
	if s.MaxWritableAge != nil {
		dst.MaxWritableAge = *s.MaxWritableAge
	}
	if s.MaxDiskSpace != nil {
		n, err := ParseBytes(*s.MaxDiskSpace)
		if err != nil {
			return fmt.Errorf("max_disk_space: %w", err)
		}
		dst.MaxDiskSpace = n
	}
	return nil
}

// ParseBytes parses a byte size such as "512KB", "4MiB" or "1024".
// KB, MB and GB are binary multiples, like their KiB/MiB/GiB spellings.
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty value")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
		{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	if n > (1<<63-1)/multiplier {
		return 0, fmt.Errorf("size %s overflows", s)
	}
	return n * multiplier, nil
}

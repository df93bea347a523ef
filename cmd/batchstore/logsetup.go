package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/DataDog/dd-sdk-android-sub039/internal/config"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"

	"gopkg.in/natefinch/lumberjack.v2"
)

// parseLevel accepts debug, info, warn and error.
func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// newLogger builds the base logger: a text or JSON handler on stderr, teed
// into a rotated file when configured, behind a per-component level filter.
// The returned closer releases the log file.
func newLogger(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, *logging.ComponentFilterHandler, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, nil, err
	}

	out := stderr
	var closer io.Closer = closerFunc(func() error { return nil })
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
		}
		out = io.MultiWriter(stderr, lj)
		closer = lj
	}

	// The filter decides levels; the base handler lets everything through.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var base slog.Handler
	switch cfg.Format {
	case "json":
		base = slog.NewJSONHandler(out, opts)
	case "", "text":
		base = slog.NewTextHandler(out, opts)
	default:
		_ = closer.Close()
		return nil, nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	filter := logging.NewComponentFilterHandler(base, level)
	for component, s := range cfg.Components {
		l, err := parseLevel(s)
		if err != nil {
			_ = closer.Close()
			return nil, nil, nil, fmt.Errorf("component %s: %w", component, err)
		}
		filter.SetLevel(component, l)
	}
	return slog.New(filter), filter, closer, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	badgerbackend "github.com/DataDog/dd-sdk-android-sub039/internal/batch/badger"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/file"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/memory"
	"github.com/DataDog/dd-sdk-android-sub039/internal/config"
	"github.com/DataDog/dd-sdk-android-sub039/internal/consent"
	"github.com/DataDog/dd-sdk-android-sub039/internal/home"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
	"github.com/DataDog/dd-sdk-android-sub039/internal/metrics"
	"github.com/DataDog/dd-sdk-android-sub039/internal/orchestrator"
	"github.com/DataDog/dd-sdk-android-sub039/internal/persistence"
	"github.com/DataDog/dd-sdk-android-sub039/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
)

// consentSlot is the keep-latest slot holding the persisted consent state.
const consentSlot = "consent"

var errUnknownFeature = errors.New("unknown feature")

// app holds what every command shares: configuration, home, logging,
// metrics and the open features.
type app struct {
	cfg       config.Config
	home      home.Dir
	logger    *slog.Logger
	filter    *logging.ComponentFilterHandler
	logCloser io.Closer
	out       io.Writer

	promRegistry *prometheus.Registry
	stats        metrics.StatsCollector

	features *registry.Registry
	stores   map[string]*consent.Store
}

func newApp(cfg config.Config, hd home.Dir, out, stderr io.Writer) (*app, error) {
	if cfg.Log.File == "" && cfg.Backend != config.BackendMemory {
		// Keep the rotated file under the home unless configured elsewhere.
		cfg.Log.File = hd.LogPath()
	}
	if cfg.Backend != config.BackendMemory {
		if err := hd.EnsureExists(); err != nil {
			return nil, err
		}
	}
	logger, filter, closer, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	stats, err := metrics.NewPrometheusStatsCollector(reg)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &app{
		cfg:          cfg,
		home:         hd,
		logger:       logger,
		filter:       filter,
		logCloser:    closer,
		out:          out,
		promRegistry: reg,
		stats:        stats,
		features:     registry.New(),
		stores:       make(map[string]*consent.Store),
	}, nil
}

// Close closes every open feature, then the log file.
func (a *app) Close() error {
	err := a.features.Close()
	clear(a.stores)
	return errors.Join(err, a.logCloser.Close())
}

// featureNames resolves command arguments to configured features. No
// arguments means all of them.
func (a *app) featureNames(args []string) ([]string, error) {
	known := a.cfg.FeatureNames()
	if len(args) == 0 {
		return known, nil
	}
	for _, name := range args {
		if !slices.Contains(known, name) {
			return nil, fmt.Errorf("%w %q (configured: %v)", errUnknownFeature, name, known)
		}
	}
	return args, nil
}

// openAll opens the named features.
func (a *app) openAll(names []string) ([]*consent.Store, error) {
	stores := make([]*consent.Store, 0, len(names))
	for _, name := range names {
		s, err := a.open(name)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	return stores, nil
}

// open returns the consent store of a feature, opening its granted and
// pending roots on first use.
func (a *app) open(name string) (*consent.Store, error) {
	if s, ok := a.stores[name]; ok {
		return s, nil
	}
	storage, err := a.cfg.FeatureStorage(name)
	if err != nil {
		return nil, err
	}
	initial, err := a.consentState()
	if err != nil {
		return nil, err
	}

	grantedRoot, pendingRoot := a.roots(name)
	granted, err := a.openStrategy(name, grantedRoot, storage)
	if err != nil {
		return nil, err
	}
	pending, err := a.openStrategy(name+"-pending", pendingRoot, storage)
	if err != nil {
		_ = granted.Close()
		return nil, err
	}

	store, err := consent.New(consent.Config{
		Granted: granted,
		Pending: pending,
		Initial: initial,
		Logger:  a.logger,
	})
	if err != nil {
		_ = errors.Join(granted.Close(), pending.Close())
		return nil, err
	}
	if err := a.features.Register(registry.Feature{
		Name:     name,
		Roots:    []string{grantedRoot, pendingRoot},
		Strategy: granted,
		Closer:   store,
	}); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.stores[name] = store
	return store, nil
}

// roots returns the granted and pending storage roots of a feature.
func (a *app) roots(name string) (string, string) {
	switch a.cfg.Backend {
	case config.BackendBadger:
		return a.home.BadgerDir(name), a.home.BadgerDir(name + "-pending")
	case config.BackendMemory:
		return "memory:" + name, "memory:" + name + "-pending"
	default:
		return a.home.FeatureDir(name), a.home.PendingDir(name)
	}
}

func (a *app) openStrategy(name, root string, storage batch.Config) (*persistence.Strategy, error) {
	backend, err := a.openBackend(root)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Name:    name,
		Backend: backend,
		Storage: storage,
		Logger:  a.logger,
		Metrics: a.stats,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return persistence.New(persistence.Config{
		Orchestrator: orch,
		Logger:       a.logger,
		Metrics:      a.stats,
	})
}

func (a *app) openBackend(root string) (batch.Backend, error) {
	switch a.cfg.Backend {
	case config.BackendMemory:
		return memory.NewBackend(memory.Config{Logger: a.logger}), nil
	case config.BackendBadger:
		return badgerbackend.NewBackend(badgerbackend.Config{Dir: root, Logger: a.logger})
	default:
		compression := file.CompressionNone
		switch a.cfg.Compression {
		case config.CompressionZstd:
			compression = file.CompressionZstd
		case config.CompressionBrotli:
			compression = file.CompressionBrotli
		}
		_, statErr := os.Stat(root)
		return file.NewBackend(file.Config{
			Dir:            root,
			Compression:    compression,
			Logger:         a.logger,
			ExpectExisting: statErr == nil,
		})
	}
}

// slot opens a keep-latest writer stored under the home slots directory.
func (a *app) slot(name string) *persistence.SingleItemWriter {
	var data, meta batch.Slot
	if a.cfg.Backend == config.BackendMemory {
		data, meta = memory.NewSlot(), memory.NewSlot()
	} else {
		data = file.NewSlot(a.home.SlotPath(name), 0o600)
		meta = file.NewSlot(a.home.SlotPath(name+".meta"), 0o600)
	}
	return persistence.NewSingleItemWriter(persistence.SingleItemConfig{
		Name:     name,
		Provider: orchestrator.NewSingleUnit(orchestrator.SingleUnitConfig{Data: data, Meta: meta}),
		Logger:   a.logger,
		Metrics:  a.stats,
	})
}

// consentState returns the persisted consent, or the configured initial
// state when none was saved.
func (a *app) consentState() (consent.State, error) {
	if rec, ok := a.slot(consentSlot).Read(); ok {
		return consent.ParseState(string(rec.Data))
	}
	return consent.ParseState(a.cfg.Consent)
}

// setConsent applies a consent change to every configured feature and
// persists it.
func (a *app) setConsent(next consent.State) error {
	stores, err := a.openAll(a.cfg.FeatureNames())
	if err != nil {
		return err
	}
	for _, s := range stores {
		s.SetState(next)
	}
	if !a.slot(consentSlot).Write(batch.Record{Data: []byte(next.String())}, nil, batch.EventDefault) {
		return errors.New("failed to persist consent state")
	}
	a.logger.Info("consent updated", "state", next.String(), "features", len(stores))
	return nil
}

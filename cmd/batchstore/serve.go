package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/consent"
	"github.com/DataDog/dd-sdk-android-sub039/internal/orchestrator"
	"github.com/DataDog/dd-sdk-android-sub039/internal/tail"
	"github.com/DataDog/dd-sdk-android-sub039/internal/upload"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

func (c *cli) serveCmd() *cobra.Command {
	var (
		tails         []string
		metricsListen string
		exportDir     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run maintenance sweeps, tailers and upload workers until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := parseTailSpecs(tails)
			if err != nil {
				return err
			}
			if metricsListen != "" {
				c.app.cfg.Metrics.Listen = metricsListen
			}
			if exportDir == "" {
				exportDir = c.app.home.ExportDir()
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return c.app.serve(ctx, specs, exportDir)
		},
	}
	cmd.Flags().StringArrayVar(&tails, "tail", nil, "tail files into a feature, as FEATURE=GLOB (repeatable)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&exportDir, "out", "", "export directory (default: <home>/exports)")
	return cmd
}

// tailSpec is one --tail flag.
type tailSpec struct {
	feature  string
	patterns []string
}

// parseTailSpecs groups FEATURE=GLOB flags by feature, keeping flag order.
func parseTailSpecs(flags []string) ([]tailSpec, error) {
	var specs []tailSpec
	index := make(map[string]int)
	for _, f := range flags {
		feature, pattern, ok := strings.Cut(f, "=")
		if !ok || feature == "" || pattern == "" {
			return nil, fmt.Errorf("%w: --tail %q must be FEATURE=GLOB", errUsage, f)
		}
		if i, seen := index[feature]; seen {
			specs[i].patterns = append(specs[i].patterns, pattern)
			continue
		}
		index[feature] = len(specs)
		specs = append(specs, tailSpec{feature: feature, patterns: []string{pattern}})
	}
	return specs, nil
}

// serve opens every feature and runs until ctx ends. Shutdown stops the
// producers first, then the workers and sweeps; closing the app afterwards
// seals the writable units.
func (a *app) serve(ctx context.Context, specs []tailSpec, exportDir string) error {
	names := a.cfg.FeatureNames()
	stores, err := a.openAll(names)
	if err != nil {
		return err
	}

	tailers := make([]*tail.Tailer, 0, len(specs))
	for _, spec := range specs {
		if _, err := a.featureNames([]string{spec.feature}); err != nil {
			return err
		}
		store, err := a.open(spec.feature)
		if err != nil {
			return err
		}
		t, err := a.tailer(spec.feature, store, spec.patterns, false, tail.DefaultPollInterval)
		if err != nil {
			return err
		}
		tailers = append(tailers, t)
	}

	workers, err := a.workers(stores, names, exportDir)
	if err != nil {
		return err
	}

	sched, err := orchestrator.NewScheduler(a.logger)
	if err != nil {
		return err
	}
	if err := a.schedule(ctx, sched, stores, names, workers); err != nil {
		_ = sched.Stop()
		return err
	}

	var srv *http.Server
	if addr := a.cfg.Metrics.Listen; addr != "" {
		if srv, err = a.serveMetrics(addr); err != nil {
			_ = sched.Stop()
			return err
		}
	}

	sched.Start()
	var wg sync.WaitGroup
	if a.cfg.Upload.Interval > 0 {
		for _, w := range workers {
			wg.Go(func() { w.Run(ctx, a.cfg.Upload.Interval) })
		}
	}
	for i, t := range tailers {
		wg.Go(func() {
			if err := t.Run(ctx); err != nil {
				a.logger.Error("tailer stopped", "feature", specs[i].feature, "error", err)
			}
		})
	}

	wakeup := make(chan os.Signal, 1)
	signal.Notify(wakeup, syscall.SIGUSR1)
	defer signal.Stop(wakeup)

	a.logger.Info("serving", "features", len(stores), "tailers", len(tailers), "backend", a.cfg.Backend)
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			waiting = false
		case <-wakeup:
			// SIGUSR1 forces an upload pass on every worker.
			a.logger.Info("waking upload workers")
			for _, w := range workers {
				w.Wake()
			}
		}
	}
	a.logger.Info("shutting down")

	var errs []error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, srv.Shutdown(shutdownCtx))
		cancel()
	}
	wg.Wait()
	errs = append(errs, sched.Stop())
	return errors.Join(errs...)
}

// schedule registers the sweeps of every feature and the optional cron
// flush.
func (a *app) schedule(ctx context.Context, sched *orchestrator.Scheduler, stores []*consent.Store, names []string, workers []*upload.Worker) error {
	for i, s := range stores {
		if err := a.watch(sched, names[i], s); err != nil {
			return err
		}
	}
	expr := a.cfg.Upload.FlushCron
	if expr == "" {
		return nil
	}
	flushAll := func() {
		if _, err := upload.DrainAll(ctx, workers, a.cfg.Upload.Parallelism, true); err != nil && ctx.Err() == nil {
			a.logger.Warn("scheduled flush failed", "error", err)
		}
	}
	return sched.AddJob("flush", expr, flushAll)
}

// watch registers the sweeps of both strategies of a feature.
func (a *app) watch(sched *orchestrator.Scheduler, name string, s *consent.Store) error {
	rotate, purge := a.cfg.Sweep.Rotation, a.cfg.Sweep.Retention
	if err := sched.Watch(name, s.Granted(), rotate, purge); err != nil {
		return err
	}
	return sched.Watch(name+"-pending", s.Pending(), rotate, purge)
}

// maxMetricsConns caps concurrent scrape connections.
const maxMetricsConns = 16

func (a *app) serveMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxMetricsConns)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()
	a.logger.Info("metrics server listening", "addr", ln.Addr().String())
	return srv, nil
}

// limiter returns the shared upload limiter, or nil when uploads are not
// rate limited.
func (a *app) limiter() *rate.Limiter {
	if a.cfg.Upload.RateLimit <= 0 {
		return nil
	}
	burst := max(a.cfg.Upload.Burst, 1)
	return rate.NewLimiter(rate.Limit(a.cfg.Upload.RateLimit), burst)
}

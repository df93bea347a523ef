package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"

	"github.com/go-co-op/gocron/v2"
)

const (
	// DefaultRotationSweep is how often writable units are checked for age
	// rotation when no records arrive.
	DefaultRotationSweep = 15 * time.Second
	// DefaultRetentionSweep is how often stale and over-quota units are purged.
	DefaultRetentionSweep = time.Minute
)

// Maintainer is a storage that the scheduler keeps in shape between writes
// and reads. The persistence strategy implements it, so the sweeps take the
// same locks as producers and uploaders.
type Maintainer interface {
	RotateIfDue() bool
	Purge() []batch.Eviction
}

// JobInfo describes a registered scheduled job for external inspection.
type JobInfo struct {
	ID       string    // gocron job UUID
	Name     string    // e.g. "rotation-sweep:logs"
	Schedule string    // cron expression or interval
	LastRun  time.Time // zero if never run
	NextRun  time.Time // zero if not scheduled
}

// Scheduler runs the periodic maintenance jobs of every feature on one
// gocron scheduler.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job // name → job
	schedules map[string]string     // name → schedule (for ListJobs)
	logger    *slog.Logger
}

func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		schedules: make(map[string]string),
		logger:    logging.Default(logger).With("component", "scheduler"),
	}, nil
}

// AddJob registers a named cron job (with seconds field). The name must be
// unique. The task function and its arguments are passed to gocron.NewTask.
func (s *Scheduler) AddJob(name, cronExpr string, taskFn any, args ...any) error {
	return s.add(name, cronExpr, gocron.CronJob(cronExpr, true), taskFn, args...)
}

// AddIntervalJob registers a named job that runs every interval.
func (s *Scheduler) AddIntervalJob(name string, every time.Duration, taskFn any, args ...any) error {
	if every <= 0 {
		return fmt.Errorf("scheduled job %s: interval must be positive", name)
	}
	return s.add(name, "every "+every.String(), gocron.DurationJob(every), taskFn, args...)
}

func (s *Scheduler) add(name, schedule string, def gocron.JobDefinition, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		def,
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.schedules[name] = schedule
	s.logger.Info("scheduled job added", "name", name, "schedule", schedule)
	return nil
}

// Watch registers the rotation and retention sweeps of one feature.
// A non-positive interval disables that sweep.
func (s *Scheduler) Watch(feature string, m Maintainer, rotateEvery, purgeEvery time.Duration) error {
	if rotateEvery > 0 {
		if err := s.AddIntervalJob(rotationSweepJobName(feature), rotateEvery, s.rotationSweep, feature, m); err != nil {
			return err
		}
	}
	if purgeEvery > 0 {
		if err := s.AddIntervalJob(retentionJobName(feature), purgeEvery, s.retentionSweep, feature, m); err != nil {
			s.RemoveJob(rotationSweepJobName(feature))
			return err
		}
	}
	return nil
}

// Unwatch removes both sweeps of a feature.
func (s *Scheduler) Unwatch(feature string) {
	s.RemoveJob(rotationSweepJobName(feature))
	s.RemoveJob(retentionJobName(feature))
}

func rotationSweepJobName(feature string) string {
	return "rotation-sweep:" + feature
}

func retentionJobName(feature string) string {
	return "retention:" + feature
}

// rotationSweep lets age rotation trigger even when no records are written.
func (s *Scheduler) rotationSweep(feature string, m Maintainer) {
	if m.RotateIfDue() {
		s.logger.Debug("background rotation", "feature", feature)
	}
}

func (s *Scheduler) retentionSweep(feature string, m Maintainer) {
	if evicted := m.Purge(); len(evicted) > 0 {
		s.logger.Info("retention sweep removed units", "feature", feature, "count", len(evicted))
	}
}

// RemoveJob stops and removes a named job. No-op if the job doesn't exist.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove scheduled job", "name", name, "error", err)
	}
	delete(s.jobs, name)
	delete(s.schedules, name)
	s.logger.Info("scheduled job removed", "name", name)
}

// HasJob returns true if a job with the given name exists.
func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// ListJobs returns info about all registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			ID:       j.ID().String(),
			Name:     name,
			Schedule: s.schedules[name],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

// Start begins executing all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

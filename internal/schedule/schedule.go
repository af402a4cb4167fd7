// Package schedule fires digests and ledger maintenance at wall-clock times.
// Digest entries follow the policy's digest schedule and are re-synced when
// the policy version changes.
package schedule

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	maintenanceSpec = "0 3 * * *"
	hourlySpec      = "0 * * * *"
	hourlyLabel     = "hourly"
	syncSpec        = "@every 1m"
	jobTimeout      = 2 * time.Minute
)

// Service is the subset of *triage.Service the scheduler drives.
type Service interface {
	Policy(ctx context.Context) (*triage.Policy, error)
	TriggerDigest(ctx context.Context, label string, window time.Duration) (*triage.Digest, error)
	Maintain(ctx context.Context, keep time.Duration) (expired, purged int, err error)
}

// Options configures the scheduler.
type Options struct {
	// Hourly adds a digest at the top of every hour.
	Hourly bool
	// Keep is how long archived and expired records survive maintenance.
	Keep time.Duration
	// Location interprets schedule times; nil means time.Local.
	Location *time.Location
}

// Scheduler owns the cron runner and the set of digest entries derived
// from the current policy.
type Scheduler struct {
	svc    Service
	logger log.Logger
	opts   Options
	cron   *cron.Cron

	mu       sync.Mutex
	ctx      context.Context
	version  int64
	schedule []triage.ScheduleEntry
	entries  []cron.EntryID
}

// New builds a scheduler. Nothing runs until Start.
func New(svc Service, logger log.Logger, opts Options) *Scheduler {
	if svc == nil {
		panic(xerrors.New("schedule: service is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Keep <= 0 {
		opts.Keep = 7 * 24 * time.Hour
	}
	cl := cronLogger{logger}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{
		svc:     svc,
		logger:  logger,
		opts:    opts,
		cron:    c,
		version: -1,
	}
}

// Start registers the fixed jobs, loads the digest schedule and starts the
// runner. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(maintenanceSpec, s.runMaintenance); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	if s.opts.Hourly {
		if _, err := s.cron.AddFunc(hourlySpec, func() { s.runDigest(hourlyLabel) }); err != nil {
			return fmt.Errorf("schedule hourly digest: %w", err)
		}
	}
	if _, err := s.cron.AddFunc(syncSpec, func() {
		if err := s.Sync(s.jobContext()); err != nil {
			s.logger.Warn(ctx, "digest schedule sync failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}

	if err := s.Sync(ctx); err != nil {
		// the periodic sync retries; fixed jobs still run
		s.logger.Warn(ctx, "initial digest schedule load failed", "error", err)
	}
	s.cron.Start()
	s.logger.Info(ctx, "scheduler started",
		"hourly_digest", s.opts.Hourly,
		"location", s.opts.Location.String(),
	)
	return nil
}

// Stop stops the runner and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("schedule: jobs still running: %w", ctx.Err())
	}
}

// Sync replaces the digest entries when the policy's schedule changed.
func (s *Scheduler) Sync(ctx context.Context) error {
	p, err := s.svc.Policy(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == s.version && slices.Equal(p.DigestSchedule, s.schedule) {
		return nil
	}

	specs := make([]string, len(p.DigestSchedule))
	for i, e := range p.DigestSchedule {
		spec, err := Spec(e)
		if err != nil {
			return err
		}
		specs[i] = spec
	}

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]
	for i, e := range p.DigestSchedule {
		label := e.Label
		id, err := s.cron.AddFunc(specs[i], func() { s.runDigest(label) })
		if err != nil {
			return fmt.Errorf("schedule digest %q at %s: %w", label, e.Time, err)
		}
		s.entries = append(s.entries, id)
	}
	s.version = p.Version
	s.schedule = slices.Clone(p.DigestSchedule)

	s.logger.Info(ctx, "digest schedule loaded",
		"entries", len(s.entries),
		"policy_version", p.Version,
	)
	return nil
}

// Spec converts a schedule entry into a daily cron spec.
func Spec(e triage.ScheduleEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	h, m, _ := triage.ParseClock(e.Time)
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) runDigest(label string) {
	ctx, cancel := context.WithTimeout(s.jobContext(), jobTimeout)
	defer cancel()

	d, err := s.svc.TriggerDigest(ctx, label, 0)
	if err != nil {
		s.logger.Error(ctx, err, "scheduled digest failed", "label", label)
		return
	}
	s.logger.Info(ctx, "scheduled digest complete", "label", label, "digest_id", d.ID, "items", d.Total)
}

func (s *Scheduler) runMaintenance() {
	ctx, cancel := context.WithTimeout(s.jobContext(), jobTimeout)
	defer cancel()

	expired, purged, err := s.svc.Maintain(ctx, s.opts.Keep)
	if err != nil {
		s.logger.Error(ctx, err, "scheduled maintenance failed", "expired", expired)
		return
	}
	s.logger.Info(ctx, "scheduled maintenance complete", "expired", expired, "purged", purged)
}

// cronLogger adapts log.Logger to cron.Logger. cron's own chatter is
// demoted; only job panics surface as errors.
type cronLogger struct {
	l log.Logger
}

func (c cronLogger) Info(string, ...any) {}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(context.Background(), err, "cron: "+msg, kv...)
}

// Package housekeeping runs the periodic maintenance jobs of the signer:
// expiring stale approvals, pruning rate windows and the idle auto-lock.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultIdleCheckInterval is how often the idle lock is evaluated.
const DefaultIdleCheckInterval = 30 * time.Second

// Sweeper expires approvals past their deadline.
type Sweeper interface {
	Sweep() int
}

// Pruner drops rate window entries older than the window.
type Pruner interface {
	Prune(ctx context.Context) error
}

// IdleLocker locks the vault after inactivity.
type IdleLocker interface {
	LockIfIdle() bool
}

// Config selects the jobs to run. A nil dependency or a non-positive
// interval disables that job.
type Config struct {
	Approvals     Sweeper
	SweepInterval time.Duration

	Permissions   Pruner
	PruneInterval time.Duration

	Locker            IdleLocker
	IdleCheckInterval time.Duration

	Logger *slog.Logger
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	cfg    Config
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the enabled jobs. Overlapping runs of the same job are
// skipped and panics are recovered.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "housekeeping"))
	if cfg.IdleCheckInterval == 0 {
		cfg.IdleCheckInterval = DefaultIdleCheckInterval
	}

	cl := cronLogger{logger}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		), cron.WithLogger(cl)),
		cfg:    cfg,
		logger: logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Approvals != nil {
		if err := s.every(cfg.SweepInterval, "approval sweep", s.sweepApprovals); err != nil {
			return nil, err
		}
	}
	if cfg.Permissions != nil {
		if err := s.every(cfg.PruneInterval, "rate window prune", s.pruneWindows); err != nil {
			return nil, err
		}
	}
	if cfg.Locker != nil {
		if err := s.every(cfg.IdleCheckInterval, "idle lock", s.lockIfIdle); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) every(d time.Duration, name string, job func()) error {
	if d <= 0 {
		s.logger.Debug("job disabled", slog.String("job", name))
		return nil
	}
	if _, err := s.cron.AddFunc("@every "+d.String(), job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Debug("job scheduled", slog.String("job", name), slog.Duration("interval", d))
	return nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("housekeeping started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) sweepApprovals() {
	if n := s.cfg.Approvals.Sweep(); n > 0 {
		s.logger.Info("expired stale approvals", slog.Int("count", n))
	}
}

func (s *Scheduler) pruneWindows() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	if err := s.cfg.Permissions.Prune(ctx); err != nil {
		s.logger.Warn("rate window prune failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) lockIfIdle() {
	s.cfg.Locker.LockIfIdle()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}

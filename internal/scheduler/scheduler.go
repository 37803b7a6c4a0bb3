// Package scheduler runs housekeeping on cron schedules: reaping local
// sandboxes idle past their timeout and pruning old run event records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kijenzi/internal/sandbox"
)

// Job names, used as the metrics label.
const (
	JobReap  = "reap_sandboxes"
	JobPrune = "prune_events"
)

// EventPruner deletes completed run event records. storage.EventStore implements it.
type EventPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Config selects the schedules. Empty schedules disable their job.
type Config struct {
	ReapSchedule   string        // e.g. "@every 5m"
	PruneSchedule  string        // e.g. "@daily"
	EventRetention time.Duration // Completed events older than this are pruned.
}

// Scheduler owns a cron runner with the housekeeping jobs.
type Scheduler struct {
	cron    *cron.Cron
	reaper  sandbox.Reaper // nil = provider expires sandboxes on its own
	pruner  EventPruner
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Parser accepts standard 5-field expressions and descriptors like "@every 5m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a scheduler and registers its jobs. reaper may be nil.
func New(reaper sandbox.Reaper, pruner EventPruner, cfg Config, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		reaper:  reaper,
		pruner:  pruner,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}

	if reaper != nil && cfg.ReapSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.ReapSchedule, func() { s.run(JobReap, s.Reap) }); err != nil {
			return nil, fmt.Errorf("invalid reap schedule %q: %w", cfg.ReapSchedule, err)
		}
	}
	if pruner != nil && cfg.PruneSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.PruneSchedule, func() { s.run(JobPrune, s.Prune) }); err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the cron loop until ctx is canceled, then waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "housekeeping scheduler started",
		slog.Int("jobs", s.Jobs()),
		slog.String("reap_schedule", s.cfg.ReapSchedule),
		slog.String("prune_schedule", s.cfg.PruneSchedule),
	)
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("housekeeping scheduler stopped")
	return nil
}

// Reap stops expired sandboxes and returns the count.
func (s *Scheduler) Reap(ctx context.Context) (int64, error) {
	n, err := s.reaper.Reap(ctx, s.now())
	return int64(n), err
}

// Prune deletes completed event records older than the retention.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	return s.pruner.Prune(ctx, s.now().Add(-s.cfg.EventRetention))
}

func (s *Scheduler) run(job string, fn func(ctx context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	n, err := fn(ctx)
	s.metrics.observe(job, n, err, time.Since(start))
	if err != nil {
		s.logger.ErrorContext(ctx, "housekeeping job failed",
			slog.String("job", job),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "housekeeping job done",
			slog.String("job", job),
			slog.Int64("affected", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

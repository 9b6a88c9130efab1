// Package scheduler owns the periodic sweep that promotes due work: one-time
// scheduled deployments whose time has arrived and recurring definitions
// whose next fire time has passed.
package scheduler

import (
	"context"
	"errors"
	"time"

	"deployd/internal/cronexpr"
	"deployd/internal/deploy"
	logx "deployd/pkg/logx"

	rtsup "deployd/internal/runtime/supervisor"
)

// Runner is the slice of the execution engine the scheduler needs.
type Runner interface {
	Run(ctx context.Context, id string) error
	Busy(key deploy.LineageKey) bool
}

// Sweeper lets the scheduler piggyback periodic work, e.g. re-driving
// stalled batches. Optional.
type Sweeper interface {
	Sweep(ctx context.Context)
}

type Config struct {
	Enabled      bool
	TickInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 20 * time.Second
	}
	return c
}

type Scheduler struct {
	cfg     Config
	log     logx.Logger
	store   deploy.Store
	runner  Runner
	sweeper Sweeper
	sup     *rtsup.Supervisor
}

func New(cfg Config, store deploy.Store, runner Runner, sweeper Sweeper, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		log:     log,
		store:   store,
		runner:  runner,
		sweeper: sweeper,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("loop", s.loop)
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.TickInterval))
}

func (s *Scheduler) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) error {
	// First tick runs immediately so overdue work left over from a restart
	// does not wait a full interval.
	s.Tick(ctx, time.Now())

	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick performs one sweep. Exported so callers with their own cadence (and
// tests) can drive it directly. Failures on one item never block the rest.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.fireScheduled(ctx, now)
	s.fireRecurring(ctx, now)
	if s.sweeper != nil {
		s.sweeper.Sweep(ctx)
	}
}

func (s *Scheduler) fireScheduled(ctx context.Context, now time.Time) {
	due, err := s.store.ListScheduledDue(ctx, now)
	if err != nil {
		s.log.Error("list scheduled due", logx.Err(err))
		return
	}
	for _, d := range due {
		err := s.runner.Run(ctx, d.ID)
		switch {
		case err == nil:
		case errors.Is(err, deploy.ErrBusy):
			// Lineage occupied; the record stays pending and is retried
			// next tick.
			s.log.Debug("scheduled deployment deferred", logx.String("id", d.ID), logx.String("name", d.Name))
		default:
			s.log.Warn("scheduled deployment failed to start", logx.String("id", d.ID), logx.Err(err))
		}
	}
}

func (s *Scheduler) fireRecurring(ctx context.Context, now time.Time) {
	due, err := s.store.ListRecurringDue(ctx, now)
	if err != nil {
		s.log.Error("list recurring due", logx.Err(err))
		return
	}
	for _, def := range due {
		s.fireDefinition(ctx, def, now)
	}
}

// fireDefinition materializes one run of a recurring definition. The busy
// check comes before the append: an occupied lineage gets no new version and
// no nextRunAt advance, so the whole occurrence retries next tick.
func (s *Scheduler) fireDefinition(ctx context.Context, def deploy.Deployment, now time.Time) {
	if s.runner.Busy(def.Lineage()) {
		s.log.Debug("recurring occurrence deferred", logx.String("id", def.ID), logx.String("name", def.Name))
		return
	}

	child, err := s.store.Append(ctx, def.Lineage(), deploy.Spec{
		Description:  def.Description,
		Section:      def.Section,
		ScheduleType: deploy.ScheduleRecurring,
		TargetType:   def.TargetType,
	})
	if err != nil {
		s.log.Error("append recurring run", logx.String("id", def.ID), logx.Err(err))
		return
	}

	if err := s.runner.Run(ctx, child.ID); err != nil {
		// The occurrence exists either way; the definition still advances.
		s.log.Warn("recurring run failed to start",
			logx.String("id", child.ID),
			logx.String("definition", def.ID),
			logx.Err(err),
		)
	}

	next, err := cronexpr.Next(def.CronExpression, now, def.Timezone)
	if err != nil {
		// A definition whose expression no longer evaluates would refire
		// every tick; pause it and leave the reason in the log.
		s.log.Error("recurring definition paused: expression does not evaluate",
			logx.String("id", def.ID),
			logx.String("expr", def.CronExpression),
			logx.Err(err),
		)
		if perr := s.store.SetRecurringActive(ctx, def.ID, false); perr != nil {
			s.log.Error("pause recurring definition", logx.String("id", def.ID), logx.Err(perr))
		}
		return
	}
	if err := s.store.SetRecurrence(ctx, def.ID, &next, &now); err != nil {
		s.log.Error("advance recurring definition", logx.String("id", def.ID), logx.Err(err))
	}
}

// Package batch drives multi-configuration deployments created together:
// siblings share a batch key and execute strictly in creation order, each
// starting only after its predecessor reached a terminal state.
package batch

import (
	"context"
	"errors"

	"deployd/internal/deploy"
	"deployd/internal/eventbus"
	logx "deployd/pkg/logx"

	rtsup "deployd/internal/runtime/supervisor"
)

// Runner is the slice of the execution engine the sequencer needs.
type Runner interface {
	Run(ctx context.Context, id string) error
}

type Sequencer struct {
	log    logx.Logger
	store  deploy.Store
	runner Runner
	bus    eventbus.Bus

	sup   *rtsup.Supervisor
	unsub func()
}

func New(store deploy.Store, runner Runner, bus eventbus.Bus, log logx.Logger) *Sequencer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sequencer{log: log, store: store, runner: runner, bus: bus}
}

// Start subscribes to deployment lifecycle events so a terminal sibling
// immediately unblocks its successor.
func (s *Sequencer) Start(ctx context.Context) {
	if s.sup != nil || s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "batch"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("events", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				if ev.Type != deploy.EventFinished {
					continue
				}
				data, ok := ev.Data.(deploy.Event)
				if !ok || data.BatchKey == "" {
					continue
				}
				s.Advance(ctx, data.BatchKey)
			}
		}
	})
}

func (s *Sequencer) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	if s.unsub != nil {
		s.unsub()
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
}

// Advance starts the next eligible sibling of a batch, if any. Walking in
// creation order: terminal siblings are done, a running or time-gated
// pending sibling blocks everything behind it, and the first pending
// immediate sibling is started.
func (s *Sequencer) Advance(ctx context.Context, batchKey string) {
	siblings, err := s.store.ListBatch(ctx, batchKey)
	if err != nil {
		s.log.Error("list batch", logx.String("batch", batchKey), logx.Err(err))
		return
	}

	for _, d := range siblings {
		if d.Status.Terminal() {
			continue
		}
		if d.Status == deploy.StatusRunning {
			return
		}
		if d.ScheduleType != deploy.ScheduleImmediate {
			// Time-gated sibling; the scheduler owns its start.
			return
		}

		err := s.runner.Run(ctx, d.ID)
		switch {
		case err == nil:
			s.log.Info("batch advanced",
				logx.String("batch", batchKey),
				logx.String("id", d.ID),
				logx.String("name", d.Name),
			)
		case errors.Is(err, deploy.ErrBusy):
			// Another version of the lineage is in flight; the periodic
			// sweep retries once it frees up.
			s.log.Debug("batch sibling deferred", logx.String("batch", batchKey), logx.String("id", d.ID))
		default:
			s.log.Warn("batch sibling failed to start", logx.String("batch", batchKey), logx.String("id", d.ID), logx.Err(err))
		}
		return
	}
}

// Sweep re-drives every batch that still has pending immediate siblings.
// It backstops lost events and deferred starts.
func (s *Sequencer) Sweep(ctx context.Context) {
	all, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("list deployments", logx.Err(err))
		return
	}

	seen := map[string]bool{}
	for _, d := range all {
		if d.BatchKey == "" || seen[d.BatchKey] {
			continue
		}
		if d.Status == deploy.StatusPending && d.ScheduleType == deploy.ScheduleImmediate {
			seen[d.BatchKey] = true
			s.Advance(ctx, d.BatchKey)
		}
	}
}

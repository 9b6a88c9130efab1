// Package engine runs deployments: it holds the per-lineage execution slots,
// drives the executor, and writes every status transition back through the
// store so the state machine stays authoritative.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deployd/internal/deploy"
	"deployd/internal/eventbus"
	logx "deployd/pkg/logx"

	rtsup "deployd/internal/runtime/supervisor"
)

// Config tunes the execution engine.
type Config struct {
	// MaxConcurrent bounds executions in flight across all lineages.
	MaxConcurrent int
	// DispatchPerSec throttles executor launches. Zero disables throttling.
	DispatchPerSec float64
	// CancelGrace is how long Cancel waits for the executor to stop before
	// forcing the record to cancelled.
	CancelGrace time.Duration
	// FinalizeTimeout bounds the store writes that record a terminal result.
	FinalizeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	return c
}

type Engine struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store deploy.Store
	exec  deploy.Executor

	sup     *rtsup.Supervisor
	slots   *slotRegistry
	permits chan struct{}
	limiter *rate.Limiter
}

func New(cfg Config, store deploy.Store, exec deploy.Executor, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		exec:    exec,
		slots:   newSlotRegistry(),
		permits: make(chan struct{}, cfg.MaxConcurrent),
	}
	for i := 0; i < cfg.MaxConcurrent; i++ {
		e.permits <- struct{}{}
	}
	if cfg.DispatchPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), 1)
	}
	return e
}

// Start reconciles interrupted records and brings up the engine supervisor.
// Must be called before Run.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.store.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted deployments: %w", err)
	}
	if n > 0 {
		e.log.Warn("reconciled interrupted deployments", logx.Int("count", n))
	}

	e.mu.Lock()
	if e.sup == nil {
		e.sup = rtsup.New(ctx,
			rtsup.WithLogger(e.log.With(logx.String("comp", "engine"))),
			rtsup.WithCancelOnError(false),
		)
	}
	e.mu.Unlock()
	return nil
}

// Stop cancels all in-flight executions and waits for them to finish or for
// ctx to expire.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		e.log.Warn("engine stop timed out", logx.Err(err))
	} else {
		e.log.Info("engine stopped")
	}
}

// Busy reports whether the lineage currently holds an execution slot.
func (e *Engine) Busy(key deploy.LineageKey) bool {
	return e.slots.busy(key)
}

// Running returns the deployment IDs currently holding slots.
func (e *Engine) Running() []string {
	return e.slots.running()
}

// Run starts executing a pending deployment. It claims the lineage slot,
// moves the record to running, and launches the executor asynchronously.
// Returns deploy.ErrBusy when another version of the lineage is in flight.
func (e *Engine) Run(ctx context.Context, id string) error {
	e.mu.Lock()
	sup := e.sup
	e.mu.Unlock()
	if sup == nil {
		return errors.New("engine not started")
	}

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != deploy.StatusPending {
		return fmt.Errorf("%w: %s -> %s", deploy.ErrInvalidTransition, d.Status, deploy.StatusRunning)
	}

	execCtx, cancel := context.WithCancel(sup.Context())
	sl, ok := e.slots.tryAcquire(d.Lineage(), d.ID, cancel)
	if !ok {
		cancel()
		return fmt.Errorf("%w: %s", deploy.ErrBusy, d.Lineage())
	}

	d, err = e.store.UpdateStatus(ctx, d.ID, deploy.StatusRunning, "")
	if err != nil {
		e.slots.release(sl)
		cancel()
		return err
	}

	e.publish(deploy.EventStarted, d)
	e.log.Info("deployment started",
		logx.String("id", d.ID),
		logx.String("name", d.Name),
		logx.Int("version", d.Version),
	)

	job := deploy.Job{
		DeploymentID:    d.ID,
		ConfigurationID: d.ConfigurationID,
		TargetType:      d.TargetType,
		TargetID:        d.TargetID,
	}
	sup.Go("run."+d.ID, func(context.Context) error {
		e.execute(execCtx, sl, d, job)
		return nil
	})
	return nil
}

// execute drives one deployment to a terminal state. It owns the slot and
// always releases it.
func (e *Engine) execute(execCtx context.Context, sl *slot, d deploy.Deployment, job deploy.Job) {
	defer sl.cancel()
	defer e.slots.release(sl)

	var res deploy.Result
	err := e.acquirePermit(execCtx)
	if err == nil {
		defer func() { e.permits <- struct{}{} }()
		if e.limiter != nil {
			err = e.limiter.Wait(execCtx)
		}
	}
	if err == nil {
		onOutput := func(chunk string) {
			// Log writes survive execution cancellation.
			wctx, cancel := context.WithTimeout(context.Background(), e.cfg.FinalizeTimeout)
			defer cancel()
			if aerr := e.store.AppendLogs(wctx, d.ID, chunk); aerr != nil {
				e.log.Warn("append logs failed", logx.String("id", d.ID), logx.Err(aerr))
			}
		}
		res, err = e.exec.Execute(execCtx, job, onOutput)
	}

	final := deploy.StatusCompleted
	note := ""
	switch {
	case execCtx.Err() != nil:
		final = deploy.StatusCancelled
		note = "\nexecution cancelled\n"
	case err != nil:
		final = deploy.StatusFailed
		note = fmt.Sprintf("\nexecutor error: %v\n", err)
	case res.Status == deploy.StatusFailed:
		final = deploy.StatusFailed
		if res.ExitInfo != "" {
			note = "\n" + res.ExitInfo + "\n"
		}
	default:
		if res.ExitInfo != "" {
			note = "\n" + res.ExitInfo + "\n"
		}
	}

	// Terminal writes use a fresh context so shutdown does not lose results.
	wctx, cancel := context.WithTimeout(context.Background(), e.cfg.FinalizeTimeout)
	defer cancel()

	out, uerr := e.store.UpdateStatus(wctx, d.ID, final, note)
	switch {
	case uerr == nil:
		d = out
	case errors.Is(uerr, deploy.ErrInvalidTransition):
		// Cancel already forced the record terminal; keep that verdict.
		if cur, gerr := e.store.Get(wctx, d.ID); gerr == nil {
			d = cur
		}
	default:
		e.log.Error("finalize deployment failed", logx.String("id", d.ID), logx.Err(uerr))
		return
	}

	e.publish(deploy.EventFinished, d)
	e.log.Info("deployment finished",
		logx.String("id", d.ID),
		logx.String("name", d.Name),
		logx.Int("version", d.Version),
		logx.String("status", string(d.Status)),
	)
}

func (e *Engine) acquirePermit(ctx context.Context) error {
	select {
	case <-e.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts a deployment. Pending records move straight to cancelled;
// running records get their executor interrupted and, if it does not stop
// within the grace period, the record is forced to cancelled anyway.
func (e *Engine) Cancel(ctx context.Context, id string) (deploy.Deployment, error) {
	d, err := e.store.Get(ctx, id)
	if err != nil {
		return deploy.Deployment{}, err
	}

	switch d.Status {
	case deploy.StatusPending:
		return e.store.UpdateStatus(ctx, id, deploy.StatusCancelled, "\ncancelled before start\n")
	case deploy.StatusRunning:
	default:
		return deploy.Deployment{}, fmt.Errorf("%w: %s -> %s", deploy.ErrInvalidTransition, d.Status, deploy.StatusCancelled)
	}

	sl, ok := e.slots.get(id)
	if !ok {
		// Running in the store but not in flight here. Happens only if a
		// previous process died; reconcile the record directly.
		return e.store.UpdateStatus(ctx, id, deploy.StatusCancelled, "\ncancelled\n")
	}

	sl.cancel()

	note := ""
	grace := time.NewTimer(e.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case <-sl.done:
	case <-grace.C:
		note = "\ncancel forced: executor did not acknowledge stop\n"
		e.log.Warn("executor ignored cancellation", logx.String("id", id))
	case <-ctx.Done():
		return deploy.Deployment{}, ctx.Err()
	}

	out, err := e.store.UpdateStatus(ctx, id, deploy.StatusCancelled, note)
	if errors.Is(err, deploy.ErrInvalidTransition) {
		// The execution goroutine finalized first; its verdict stands.
		return e.store.Get(ctx, id)
	}
	return out, err
}

func (e *Engine) publish(typ string, d deploy.Deployment) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: typ,
		Time: time.Now(),
		Data: deploy.Event{
			ID:       d.ID,
			Name:     d.Name,
			Version:  d.Version,
			Status:   d.Status,
			BatchKey: d.BatchKey,
		},
	})
}

// Package app wires the orchestrator: config, logging, store, execution
// engine, batch sequencer, scheduler and the HTTP API.
package app

import (
	"context"
	"fmt"
	"time"

	"deployd/internal/config"
	"deployd/internal/deploy"
	"deployd/internal/deploy/batch"
	"deployd/internal/deploy/engine"
	"deployd/internal/deploy/scheduler"
	"deployd/internal/eventbus"
	"deployd/internal/server"
	"deployd/internal/storage"
	logx "deployd/pkg/logx"

	rtsup "deployd/internal/runtime/supervisor"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store deploy.Store
	bus   eventbus.Bus
	eng   *engine.Engine
	seq   *batch.Sequencer
	sched *scheduler.Scheduler
	srv   *server.Server

	sup *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.bus = eventbus.New()

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	simDelay, err := config.ParseDurationField("engine.simulated_delay", cfg.Engine.SimulatedDelay)
	if err != nil {
		return err
	}
	a.eng = engine.New(engCfg, a.store,
		deploy.SimulatedExecutor{Delay: simDelay},
		a.bus, a.log.With(logx.String("comp", "engine")))
	if err := a.eng.Start(ctx); err != nil {
		return err
	}

	a.seq = batch.New(a.store, a.eng, a.bus, a.log.With(logx.String("comp", "batch")))
	a.seq.Start(ctx)

	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 20*time.Second)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(scheduler.Config{
		Enabled:      cfg.SchedulerEnabled(),
		TickInterval: tick,
	}, a.store, a.eng, a.seq, a.log.With(logx.String("comp", "scheduler")))
	a.sched.Start(ctx)

	srvCfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}
	a.srv = server.New(srvCfg, a.store, a.eng, a.seq, a.log.With(logx.String("comp", "http")))

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))
	a.sup.Go("http", func(context.Context) error {
		return a.srv.Start()
	})
	a.sup.Go0("config.watch", func(ctx context.Context) {
		_ = a.cfgMgr.Watch(ctx)
	})
	a.sup.Go0("config.reload", a.applyReloads)

	a.log.Info("deployd started",
		logx.String("addr", srvCfg.Addr),
		logx.String("storage", cfg.Storage.Driver),
	)
	return nil
}

// applyReloads consumes config updates from the watcher. Only logging
// settings apply live; everything else needs a restart.
func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	// Stop intake first, then drain execution, then close the store.
	if a.srv != nil {
		_ = a.srv.Stop(ctx)
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.seq != nil {
		a.seq.Stop(ctx)
	}
	if a.eng != nil {
		a.eng.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("deployd stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}

func engineConfig(cfg *config.Config) (engine.Config, error) {
	grace, err := config.ParseDurationField("engine.cancel_grace", cfg.Engine.CancelGrace)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		DispatchPerSec: cfg.Engine.DispatchPerSec,
		CancelGrace:    grace,
	}, nil
}

func serverConfig(cfg *config.Config) (server.Config, error) {
	read, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		RatePerSec:   cfg.Server.RatePerSec,
		RateBurst:    cfg.Server.RateBurst,
	}, nil
}

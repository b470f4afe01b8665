package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/config"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/logx"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/metrics"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/notify"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/observer"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/scheduler"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logx.New(os.Stderr, cfg.General.LogFormat, cfg.General.LogLevel)
}

func openStore(cfg *config.Config) (*jobstore.Store, error) {
	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := jobstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// app is everything needed to run analysis in this process
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *jobstore.Store
	metrics  *metrics.Prometheus
	pool     *engine.Pool
	hub      *notify.Hub
	broker   notify.Broker
	nc       *nats.Conn
	observer *observer.Observer
	sched    *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.NewPrometheus(nil)}

	var err error
	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}

	uciCfg := engine.UCIConfig{
		Path:    cfg.Engine.Path,
		Depth:   cfg.Engine.Depth,
		Timeout: cfg.Engine.EvalTimeout.Duration,
		HashMB:  cfg.Engine.HashMB,
		Threads: cfg.Engine.Threads,
		Nice:    cfg.Engine.Nice,
	}
	a.pool, err = engine.NewPool(ctx, cfg.Engine.PoolSize,
		engine.UCIFactory(uciCfg, logx.Component(log, "engine")),
		engine.WithLogger(logx.Component(log, "pool")),
		engine.WithMetrics(a.metrics),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	poolLog := logx.Component(log, "pool")
	a.pool.SetOnLeaseChanged(func(leased, idle int) {
		poolLog.Debug().Int("leased", leased).Int("idle", idle).Msg("engine lease changed")
	})

	a.hub = notify.NewHub(cfg.Notifications.BufferSize,
		notify.WithHubLogger(logx.Component(log, "notify")),
		notify.WithHubMetrics(a.metrics),
	)
	a.broker = a.hub
	if url := cfg.Notifications.NATSURL; url != "" {
		a.nc, err = notify.ConnectNATS(url, "analysis-orch", logx.Component(log, "nats"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.broker = notify.NewNATSBroker(a.nc, cfg.Notifications.SubjectPrefix, a.hub, logx.Component(log, "nats"))
	}

	alerter := notify.NewMultiAlerter(
		notify.NewLogAlerter(logx.Component(log, "alerts")),
		notify.NewSlackAlerter(cfg.Notifications.SlackWebhook),
	)

	a.observer = observer.New(10 * cfg.Engine.EvalTimeout.Duration)
	a.sched = scheduler.New(scheduler.Config{
		Workers:           cfg.WorkerCount(),
		MaxProcessingJobs: cfg.Scheduler.MaxProcessingJobs,
		MaxAttempts:       uint(cfg.Scheduler.MaxAttempts),
		RetryDelay:        cfg.Scheduler.RetryDelay.Duration,
	}, a.store, a.pool,
		scheduler.WithLogger(logx.Component(log, "scheduler")),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithBroker(a.broker),
		scheduler.WithAlerter(alerter),
		scheduler.WithObserver(a.observer),
	)
	return a, nil
}

// Close releases resources in reverse order of creation
func (a *app) Close() {
	if a.sched != nil {
		a.sched.Close()
	}
	if closer, ok := a.broker.(interface{ Close() error }); ok {
		closer.Close()
	}
	if a.hub != nil && a.broker != notify.Broker(a.hub) {
		a.hub.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing engine pool")
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

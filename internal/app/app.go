// Package app wires the process: config manager, logging, stores, the
// dispatcher, the scheduler, and the webhook receiver, plus systemd
// readiness/watchdog notifications.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"vaultbot/internal/config"
	"vaultbot/internal/dispatch"
	"vaultbot/internal/eventbus"
	"vaultbot/internal/services/scheduler"
	"vaultbot/internal/storage"
	"vaultbot/internal/transport/webhook"
	logx "vaultbot/pkg/logx"
)

const pruneJobID = "maintenance.prune"

type App struct {
	cfgPath string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	jobs  *storage.JobStore
	state *storage.StateStore
	disp  *dispatch.Dispatcher
	sched *scheduler.Service
	web   *webhook.Server

	cancel  context.CancelFunc
	fatalCh chan error
}

// New parses configuration and builds the logging service. Stores and
// services come up in Start so a failed bootstrap leaves nothing half-open.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		bus:     eventbus.New(),
		fatalCh: make(chan error, 1),
	}, nil
}

// validateConfig rejects a bad hot-reload before it is committed.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	if cfg.Scheduler.CatchUpLimit < 0 {
		return fmt.Errorf("scheduler.catch_up_limit must be >= 0")
	}
	if cfg.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	for _, d := range []struct{ path, raw string }{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"server.dedup_window", cfg.Server.DedupWindow},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.poll_interval", cfg.Scheduler.PollInterval},
		{"scheduler.job_timeout", cfg.Scheduler.JobTimeout},
		{"scheduler.retry_base", cfg.Scheduler.RetryBase},
		{"scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay},
		{"scheduler.drain_timeout", cfg.Scheduler.DrainTimeout},
		{"scheduler.retain_terminal", cfg.Scheduler.RetainTerminal},
	} {
		if _, err := config.ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// Fatal delivers the first unrecoverable runtime error (listener death).
func (a *App) Fatal() <-chan error { return a.fatalCh }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	a.state, err = storage.OpenState(
		storage.Config{Path: cfg.Storage.StatePath, BusyTimeout: busyTimeout},
		a.logs.Logger().With(logx.String("comp", "statestore")))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	a.jobs, err = storage.OpenJobs(
		storage.Config{Path: cfg.Storage.JobsPath, BusyTimeout: busyTimeout},
		a.logs.Logger().With(logx.String("comp", "jobstore")))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	// Operator breadcrumb; handy when correlating restarts with job gaps.
	if serr := a.state.SetSetting(runCtx, "last_started_at", time.Now().UTC().Format(time.RFC3339)); serr != nil {
		a.log.Warn("could not record startup marker", logx.Err(serr))
	}

	a.disp = dispatch.New(a.state, a.logs.Logger().With(logx.String("comp", "dispatch")))
	a.registerHandlers()

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.jobs, a.disp, a.bus,
		a.logs.Logger().With(logx.String("comp", "scheduler")))
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}

	if err := a.ensurePruneJob(runCtx, cfg); err != nil {
		a.log.Warn("maintenance job not scheduled", logx.Err(err))
	}

	webCfg, err := mapWebhookConfig(cfg)
	if err != nil {
		return err
	}
	a.web = webhook.New(webCfg, a.disp, a.state, a.sched, a.bus,
		a.logs.Logger().With(logx.String("comp", "webhook")))
	if err := a.web.Start(runCtx, a.fatalCh); err != nil {
		return err
	}

	go a.reloadLoop(runCtx)
	go a.eventLogLoop(runCtx)
	go a.watchdogLoop(runCtx)
	go func() {
		if werr := a.cfgm.Watch(runCtx); werr != nil && !errors.Is(werr, context.Canceled) {
			a.log.Warn("config watcher exited", logx.Err(werr))
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.Int("port", cfg.Server.Port))
	return nil
}

// Stop unwinds in reverse dependency order: stop accepting, drain jobs,
// close stores, flush logs.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	if a.web != nil {
		if err := a.web.Stop(ctx); err != nil {
			a.log.Warn("webhook stop", logx.Err(err))
		}
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.jobs != nil {
		_ = a.jobs.Close()
	}
	if a.state != nil {
		_ = a.state.Close()
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// Scheduler exposes the job API for embedding callers and tests.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) registerHandlers() {
	_ = a.disp.Register("touch", touchHandler)
	_ = a.disp.Register("expire", expireHandler)
	_ = a.disp.Register("ping", pingHandler)
	_ = a.disp.Register(pruneJobID, pruneHandler(a.jobs, a.retainWindow,
		a.logs.Logger().With(logx.String("comp", "maintenance"))))
}

func (a *App) retainWindow() time.Duration {
	cfg := a.cfgm.Get()
	d, err := config.ParseDurationOrDefault("scheduler.retain_terminal", cfg.Scheduler.RetainTerminal, 0)
	if err != nil {
		return 0
	}
	return d
}

// ensurePruneJob schedules the recurring terminal-job sweep. The job ID is
// fixed, so a restart finds the previous job still active and skips.
func (a *App) ensurePruneJob(ctx context.Context, cfg *config.Config) error {
	if !cfg.Scheduler.IsEnabled() {
		return nil
	}
	_, err := a.sched.Schedule(ctx, scheduler.JobSpec{
		ID:      pruneJobID,
		Kind:    storage.JobEvery,
		Every:   time.Hour,
		Handler: pruneJobID,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

// reloadLoop applies committed config changes: logging sinks first, then
// scheduler tunables. Server and storage changes need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest pending config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
			} else {
				a.sched.Apply(schedCfg)
			}
			a.log.Info("config reloaded")
		}
	}
}

// eventLogLoop mirrors bus events into debug logs. Kept at debug level to
// stay quiet under frequent recurring jobs.
func (a *App) eventLogLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == eventbus.JobFailed {
				// Terminal failures are the monitoring surface for jobs
				// that exhausted their retries.
				a.log.Error("job failed permanently", logx.String("type", e.Type), logx.Any("data", e.Data))
				continue
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// watchdogLoop pets the systemd watchdog at half the configured interval.
func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("scheduler.retry_base", cfg.Scheduler.RetryBase, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	drain, err := config.ParseDurationOrDefault("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	jobTimeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.IsEnabled(),
		Owner:         cfg.Scheduler.ClaimOwner,
		PollInterval:  poll,
		JobTimeout:    jobTimeout,
		RetryMax:      cfg.Scheduler.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		CatchUpLimit:  cfg.Scheduler.CatchUpLimit,
		DrainTimeout:  drain,
	}, nil
}

func mapWebhookConfig(cfg *config.Config) (webhook.Config, error) {
	readHeader, err := config.ParseDurationOrDefault("server.read_header_timeout", cfg.Server.ReadHeaderTimeout, 5*time.Second)
	if err != nil {
		return webhook.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return webhook.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("server.dedup_window", cfg.Server.DedupWindow, 10*time.Minute)
	if err != nil {
		return webhook.Config{}, err
	}
	return webhook.Config{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: readHeader,
		ShutdownTimeout:   shutdown,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		RatePerSec:        cfg.Server.RatePerSec,
		Burst:             cfg.Server.Burst,
		DedupWindow:       dedup,
		QueueSize:         cfg.Dispatch.QueueSize,
		Workers:           cfg.Dispatch.Workers,
	}, nil
}

// Package app wires the engine together from a config file: logging,
// storage, preferences, templates, dispatcher, orchestrator, and the
// config watcher that hot-applies safe changes.
package app

import (
	"context"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/orchestrator"
	"notifyd/internal/pref"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/store"
	"notifyd/internal/template"
	"notifyd/internal/transport"
	"notifyd/internal/transport/telegram"
	"notifyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store
	prefs *pref.Memory
	reg   *template.Registry

	disp *dispatch.Service
	orch *orchestrator.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	overrides, err := cfg.TemplateOverrides()
	if err != nil {
		return nil, err
	}
	reg, err := template.New(overrides)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(storeCfg(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))

	prefs := pref.NewMemory(cfg.Settings(), reg)
	bus := eventbus.New()

	tr, err := buildTransport(cfg, log)
	if err != nil {
		return nil, err
	}

	dispCfg, err := dispatchCfg(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, tr, log.With(logx.String("comp", "dispatch")), bus)

	orchCfg, err := orchestratorCfg(cfg)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(orchCfg, st, prefs, reg, disp, transport.Identity{}, bus, log.With(logx.String("comp", "orchestrator")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: st,
		prefs: prefs,
		reg:   reg,
		disp:  disp,
		orch:  orch,
	}, nil
}

// Orchestrator exposes the trigger/schedule/admin surface.
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.GoRestart("config-watch", a.cfgm.Watch)
	a.sup.Go("config-apply", a.applyLoop)

	a.log.Info("notifyd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	var firstErr error
	if err := a.orch.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.disp.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("notifyd stopped")
	return firstErr
}

// applyLoop hot-applies the safe subset of a reloaded config: logging,
// send rate, and the global delivery policy. Structural settings
// (storage driver, worker counts, templates) need a restart.
func (a *App) applyLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			a.logs.Apply(logCfg(cfg))
			if cfg.Dispatcher.RatePerSec > 0 {
				a.disp.SetRate(cfg.Dispatcher.RatePerSec)
			}
			a.prefs.ApplySettings(cfg.Settings())
			a.log.Info("config applied",
				logx.String("level", cfg.Logging.Level),
				logx.Int("max_per_day", cfg.Settings().MaxPerDay),
			)
		}
	}
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storeCfg(cfg *config.Config) store.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return store.Config{
		Driver:        cfg.Storage.Driver,
		Path:          cfg.Storage.Path,
		BusyTimeout:   busy,
		RedisAddr:     cfg.Storage.RedisAddr,
		RedisPassword: cfg.Storage.RedisPassword,
		RedisDB:       cfg.Storage.RedisDB,
	}
}

func dispatchCfg(cfg *config.Config) (dispatch.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("dispatcher.retry_base", cfg.Dispatcher.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("dispatcher.retry_max_delay", cfg.Dispatcher.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       cfg.Dispatcher.Workers,
		QueueSize:     cfg.Dispatcher.QueueSize,
		RatePerSec:    cfg.Dispatcher.RatePerSec,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		SendTimeout:   sendTimeout,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
	}, nil
}

func orchestratorCfg(cfg *config.Config) (orchestrator.Config, error) {
	tick, err := config.ParseDurationOrDefault("orchestrator.tick_interval", cfg.Orchestrator.TickInterval, 30*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		TickInterval: tick,
		Timezone:     cfg.Orchestrator.Timezone,
	}, nil
}

// buildTransport picks the delivery backend. Without a configured
// transport, messages are logged; useful for dry runs and local
// development.
func buildTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	if cfg.Telegram != nil && cfg.Telegram.Token != "" {
		return telegram.New(telegram.Config{Token: cfg.Telegram.Token})
	}
	dry := log.With(logx.String("comp", "drysend"))
	return transport.Func(func(_ context.Context, msg transport.Message) error {
		dry.Info("dry-run delivery",
			logx.String("token", msg.Token),
			logx.String("title", msg.Title),
			logx.String("body", msg.Body),
		)
		return nil
	}), nil
}

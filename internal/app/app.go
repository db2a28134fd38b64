// Package app wires the daemon: config, logging, storage, the alarm host,
// reminder schedulers, delivery and the HTTP surface, all run under one
// supervisor.
package app

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"reminderd/internal/alarm"
	"reminderd/internal/api"
	"reminderd/internal/config"
	"reminderd/internal/delivery"
	"reminderd/internal/eventbus"
	"reminderd/internal/metrics"
	"reminderd/internal/reconcile"
	"reminderd/internal/reminder"
	"reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	pipeline *delivery.Pipeline
	host     *alarm.Host
	registry *reminder.Registry
	rec      *reconcile.Reconciler
	metrics  *metrics.Metrics
	server   *api.Server
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	logSvc, root, err := logx.New(mapLogConfig(cfg))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("logging: %w", err)
	}
	log := root.With(logx.String("comp", "app"))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	hc, _ := mapHTTPConfig(cfg)
	sc, _ := mapStorageConfig(cfg)
	ss, _ := mapSchedulerConfig(cfg)
	dc, _ := mapDeliveryConfig(cfg)
	rc, _ := mapReconcileConfig(cfg)

	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	pipeline, err := delivery.Build(dc, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()

	opts := ss.alarm
	opts.Store = store
	opts.Log = root
	host := alarm.New(opts)

	registry := reminder.NewRegistry(reminder.RegistryConfig{
		Store:           store,
		Alarms:          host,
		Notifier:        pipeline,
		Policy:          ss.policy,
		DeliveryTimeout: ss.deliveryTimeout,
		Log:             root,
		Bus:             bus,
	})
	host.SetFire(registry.Fire)

	m := metrics.New()
	m.GaugeFunc("alarms_pending", "Armed wake-ups across all instances.", func() float64 { return float64(host.Pending()) })
	m.GaugeFunc("eventbus_dropped_total", "Events dropped by slow bus subscribers.", func() float64 { return float64(bus.Dropped()) })

	mux := http.NewServeMux()
	api.NewHandler(registry, root).Routes(mux, hc, m.Handler())

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		pipeline: pipeline,
		host:     host,
		registry: registry,
		rec:      reconcile.New(registry, rc, root),
		metrics:  m,
		server:   api.NewServer(hc, mux, root),
	}, nil
}

// Registry exposes the scheduler instances.
func (a *App) Registry() *reminder.Registry { return a.registry }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start restores persisted wake-ups and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	n, err := a.host.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore wake-ups: %w", err)
	}
	a.log.Info("wake-ups restored", logx.Int("count", n))

	a.sup.GoRestart("alarm.host", a.host.Run)
	a.sup.Go("http.server", a.server.Serve)
	a.sup.Go("reconcile", a.rec.Run)
	a.sup.GoRestart("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Any("sinks", a.pipeline.Sinks()))
	return nil
}

func (a *App) logEvents(ctx context.Context) {
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
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, cfg)
			last = cfg
		}
	}
}

// apply hot-swaps what can change at runtime and warns about the rest.
func (a *App) apply(prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if !reflect.DeepEqual(prev.Logging, cfg.Logging) {
		if err := a.logs.Apply(mapLogConfig(cfg)); err != nil {
			a.log.Warn("logging config not applied; keeping previous outputs", logx.Err(err))
		}
	}

	if dc, err := mapDeliveryConfig(cfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.pipeline.SetRate(dc.RatePerSec)
		if sinksChanged(prev.Delivery, cfg.Delivery) {
			a.log.Warn("delivery sinks changed; restart required for changes to take effect")
		}
	}

	if rc, err := mapReconcileConfig(cfg); err != nil {
		a.log.Warn("invalid reconcile config; keeping previous", logx.Err(err))
	} else if err := a.rec.Apply(rc); err != nil {
		a.log.Warn("reconcile reschedule failed", logx.Err(err))
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// sinksChanged ignores the fields apply can swap live.
func sinksChanged(a, b config.DeliveryConfig) bool {
	a.RatePerSec, b.RatePerSec = 0, 0
	return !reflect.DeepEqual(a, b)
}

// Stop cancels every loop and releases resources, bounding each step so one
// stuck component can't stall shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.close(ctx)
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	err := a.close(ctx)
	a.log.Info("stopped")
	return err
}

func (a *App) close(ctx context.Context) error {
	a.step(ctx, "delivery", 2*time.Second, func(context.Context) error { return a.pipeline.Close() })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
	}
}

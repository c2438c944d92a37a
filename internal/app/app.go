// Package app wires newsletterd's services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"newsletterd/internal/config"
	"newsletterd/internal/eventbus"
	"newsletterd/internal/httpapi"
	"newsletterd/internal/notifier"
	"newsletterd/internal/runtime/supervisor"
	"newsletterd/internal/services/delivery"
	"newsletterd/internal/services/dispatcher"
	"newsletterd/internal/services/recipients"
	"newsletterd/internal/services/scheduler"
	"newsletterd/internal/services/submission"
	"newsletterd/internal/storage"
	"newsletterd/internal/transport"
	"newsletterd/pkg/clock"
	logx "newsletterd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	static *recipients.Static // nil unless directory.driver=static
	sqlDir *recipients.SQL    // nil unless directory.driver=sql

	worker *delivery.Worker
	disp   *dispatcher.Service
	sched  *scheduler.Service
	subs   *submission.Service
	notif  *notifier.Service

	handler http.Handler
	server  *httpapi.Server

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
}

// New loads the config and builds every service. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, clock.Real{})
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config, clk clock.Clock) (*App, error) {
	logs, base := logx.New(mapLogging(cfg))
	log := base.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}

	// close whatever was opened if a later step fails
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, clk, base); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var dir recipients.Directory
	switch strings.ToLower(strings.TrimSpace(cfg.Directory.Driver)) {
	case "sql", "postgres":
		if a.sqlDir, err = recipients.OpenPostgres(ctx, cfg.Directory.DSN, cfg.Directory.Query); err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		dir = a.sqlDir
	default:
		a.static = recipients.NewStatic(cfg.Directory.Profiles...)
		dir = a.static
	}

	sender, err := newSender(cfg, base)
	if err != nil {
		return nil, err
	}

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.worker = delivery.New(dc, sender, clk, base)

	dpc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = dispatcher.New(dpc, a.store, recipients.NewResolver(dir, base), a.worker, a.bus, clk, base)

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schc, a.store, a.disp, a.bus, clk, base)
	a.subs = submission.New(a.store, a.disp, a.sched, a.bus, clk, base)

	var alertSender notifier.Sender
	if cfg.Alerts.Active() {
		tg, err := notifier.NewTelegram(cfg.Alerts.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		alertSender = tg
	}
	a.notif = notifier.New(mapNotifierConfig(cfg), alertSender, a.bus, base)

	srvc, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.handler = httpapi.NewRouter(a.subs, httpapi.Options{Health: a.health, Pprof: cfg.HTTP.Pprof}, base)
	a.server = httpapi.NewServer(srvc, a.handler, base)

	ok = true
	return a, nil
}

func newSender(cfg *config.Config, log logx.Logger) (transport.Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "http":
		hc, err := mapTransportConfig(cfg)
		if err != nil {
			return nil, err
		}
		return transport.NewHTTPSender(hc)
	default:
		return transport.NewLogSender(log), nil
	}
}

// Handler is the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Done is closed when the app's run context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() (any, error) {
	if a.sup == nil {
		return nil, errors.New("not started")
	}
	snap := a.sup.Snapshot()
	body := map[string]any{
		"loops":       snap.Loops,
		"active_jobs": a.disp.Active(),
		"scheduler":   a.sched.Enabled(),
	}
	if snap.FirstError != "" {
		body["first_error"] = snap.FirstError
	}
	if hist := a.notif.History(); len(hist) > 0 {
		last := hist[len(hist)-1]
		body["alerts"] = map[string]any{"recent": len(hist), "last_job": last.JobID, "last_at": last.At}
	}
	return body, a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
			if _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapSchedulerConfig(cfg); err != nil {
				return err
			}
			if _, err := mapDispatcherConfig(cfg); err != nil {
				return err
			}
			_, err := mapDeliveryConfig(cfg)
			return err
		})
	}

	if a.sched.Enabled() {
		if err := a.startScheduler(); err != nil {
			return err
		}
	}

	if a.notif != nil {
		a.sup.GoRestart("notifier", a.notif.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sup.Go("http", a.server.Run)

	// debug trail of job lifecycle events
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if je, ok := e.Data.(eventbus.JobEvent); ok {
					fields = append(fields, logx.Job(je.JobID), logx.String("status", je.Status))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case newCfg, ok := <-sub:
					if !ok {
						return nil
					}
					// coalesce bursts: keep only the latest config
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(c, lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started")
	return nil
}

// startScheduler runs the poll loop and the recovery sweep.
func (a *App) startScheduler() error {
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if a.pollCancel != nil {
		return nil
	}
	pctx, cancel := context.WithCancel(a.sup.Context())
	a.pollCancel = cancel
	a.sup.GoRestart("scheduler.poll", func(context.Context) error {
		return a.sched.Run(pctx)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second), supervisor.WithPublishFirstError(true))
	return nil
}

func (a *App) stopScheduler(ctx context.Context) {
	a.pollMu.Lock()
	cancel := a.pollCancel
	a.pollCancel = nil
	a.pollMu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.sched.Stop(ctx)
}

// applyConfig pushes the live sections of a reloaded config into the services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogging(newCfg))

	if dc, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.worker.Apply(dc)
	}
	if dpc, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dpc)
	}
	if a.static != nil {
		a.static.Set(newCfg.Directory.Profiles)
	}
	a.notif.Apply(mapNotifierConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case prev && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.stopScheduler(stopCtx)
			cancel()
		case !prev && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.startScheduler(); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels the run context, waits for in-flight jobs up to ctx and
// releases resources. Jobs still running when ctx ends keep their state for
// the recovery sweep of the next process.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.stopScheduler(c); return nil })
	step("dispatcher", 10*time.Second, a.disp.Stop)
	step("supervisor", 5*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.sqlDir != nil {
		_ = a.sqlDir.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

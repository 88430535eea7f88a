package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tweetfwd/internal/config"
	"tweetfwd/internal/eventbus"
	"tweetfwd/internal/maintenance"
	"tweetfwd/internal/notifier"
	"tweetfwd/internal/observability/status"
	"tweetfwd/internal/runtime/supervisor"
	"tweetfwd/internal/storage"
	"tweetfwd/internal/stream"
	"tweetfwd/internal/task/scheduler"
	kit "tweetfwd/internal/transport"
	telegram "tweetfwd/internal/transport/telegram/adapter"
	"tweetfwd/internal/twitter"
	logx "tweetfwd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	dialer  twitter.Dialer

	notif  *notifier.Service
	sched  *scheduler.Service
	status *status.Service

	// built in Start; the registry is bound to the run context
	streams *stream.Service
	maint   *maintenance.Loop
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Telegram log sink needs the adapter and the adapter logs through
	// the service, so the sender is attached after both exist.
	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)

	ad, err := telegram.New(mapTelegramConfig(cfg), log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(ad)
	return build(cfgm, cfg, logSvc, log, ad)
}

// build wires everything behind the config and the adapter. Tests call it
// with a fake adapter and the memory driver.
func build(cfgm *config.Manager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, ad kit.Adapter) (*App, error) {
	sc := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	twApp, twCfg := mapTwitterConfig(cfg)
	dialer := twitter.NewClient(twApp, twCfg, twitter.WithLogger(log.With(logx.String("comp", "twitter"))))

	bus := eventbus.New()
	notif := notifier.New(mapNotifierConfig(cfg), ad, log, bus,
		notifier.WithChatGone(onChatGone(store, log.With(logx.String("comp", "notifier")))),
		notifier.WithDedupStore(store),
	)
	sched := scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		dialer:  dialer,
		notif:   notif,
		sched:   sched,
	}
	a.status = status.New(mapStatusConfig(cfg), a, log)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
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

// Healthy reports whether the app is running without a fatal error.
func (a *App) Healthy() bool {
	return a.sup != nil && a.sup.Context().Err() == nil
}

// Bus exposes the event bus for status consumers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Snapshot is the /status document.
type Snapshot struct {
	Streams   []StreamView       `json:"streams"`
	Delivery  notifier.Stats     `json:"delivery"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

type StreamView struct {
	Chat       int64     `json:"chat"`
	Follow     []string  `json:"follow"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Terminal   bool      `json:"terminal,omitempty"`
	AuthFatal  bool      `json:"auth_fatal,omitempty"`
	Generation string    `json:"generation"`
	Since      time.Time `json:"since"`
}

func streamView(st stream.ChatState) StreamView {
	v := StreamView{
		Chat:       st.Chat,
		Follow:     st.Follow,
		Status:     st.Status.String(),
		Terminal:   st.Terminal,
		AuthFatal:  st.AuthFatal,
		Generation: st.Generation,
		Since:      st.Since,
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	return v
}

// Status implements status.Source.
func (a *App) Status() any {
	snap := Snapshot{
		Delivery:  a.notif.Stats(),
		Scheduler: a.sched.Snapshot(),
	}
	if a.streams != nil {
		for _, st := range a.streams.Registry().Snapshot() {
			snap.Streams = append(snap.Streams, streamView(st))
		}
	}
	return snap
}

// Streams returns the stream service; nil before Start.
func (a *App) Streams() *stream.Service { return a.streams }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateRuntime)

	// Stop drains the queues; canceling the run context must not.
	a.notif.Start(context.WithoutCancel(runCtx))
	a.sched.Start(runCtx)

	src := storeSource{a.store}
	reg := stream.NewRegistry(runCtx, a.dialer, a.notif,
		stream.WithLogger(a.log.With(logx.String("comp", "stream"))),
		stream.WithBus(a.bus),
		stream.WithSettings(mapStreamSettings(cfg)),
		stream.WithAuthFatal(onAuthFatal(a.store, a.adapter, a.log.With(logx.String("comp", "stream")))),
	)
	a.streams = stream.NewService(reg, src, a.log)
	if err := a.streams.Bootstrap(runCtx); err != nil {
		// partial bootstrap is fine; the maintenance tick retries
		a.log.Warn("stream bootstrap incomplete", logx.Err(err))
	}

	a.maint = maintenance.New(mapMaintenanceConfig(cfg), src, reg, a.sched, a.bus, a.log)
	if err := a.maint.Start(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	a.status.Start(runCtx)

	a.sup.Go0("eventbus.log", a.logEvents)
	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("streams", len(reg.Snapshot())))
	return nil
}

// validateRuntime checks what config.Validate cannot: schedule syntax and
// the timezone database.
func validateRuntime(_ context.Context, cfg *config.Config) error {
	var errs []error
	if s := strings.TrimSpace(cfg.Maintenance.Schedule); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch data := e.Data.(type) {
			case maintenance.Report:
				if len(data.Retired)+len(data.Started)+len(data.Replaced)+len(data.Removed) > 0 {
					a.log.Info("maintenance tick",
						logx.Int("retired", len(data.Retired)),
						logx.Int("started", len(data.Started)),
						logx.Int("replaced", len(data.Replaced)),
						logx.Int("removed", len(data.Removed)),
						logx.Duration("took", data.Took),
					)
				}
			default:
				// Keep this debug-level; delivery events are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Streams stop before the notifier so nothing is delivered into a
	// closed queue; the notifier drains before the adapter goes away.
	step(ctx, a.log, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step(ctx, a.log, "maintenance", time.Second, func(c context.Context) error {
		if a.maint != nil {
			a.maint.Stop()
		}
		return nil
	})
	step(ctx, a.log, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step(ctx, a.log, "streams", 6*time.Second, func(c context.Context) error {
		if a.streams != nil {
			return a.streams.Registry().Close(c)
		}
		return nil
	})
	step(ctx, a.log, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step(ctx, a.log, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step(ctx, a.log, "storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step(ctx, a.log, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func step(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		log.Warn("stop step skipped; deadline passed", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Leak logging: observe when/if the step eventually finishes.
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

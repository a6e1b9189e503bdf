// Package app wires the live timing pipeline to Telegram and owns process lifecycle.
package app

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"pitwall/internal/bot"
	"pitwall/internal/config"
	"pitwall/internal/dispatch"
	"pitwall/internal/eventbus"
	"pitwall/internal/ledger"
	"pitwall/internal/live"
	"pitwall/internal/openf1"
	rtsup "pitwall/internal/runtime/supervisor"
	"pitwall/internal/scheduler"
	"pitwall/internal/storage"
	kit "pitwall/internal/transport"
	telegram "pitwall/internal/transport/telegram/adapter"
	"pitwall/internal/transport/telegram/router"
	logx "pitwall/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// natsTypes are the bus events mirrored to NATS.
var natsTypes = []string{
	eventbus.TypeEventAdmitted,
	eventbus.TypeSessionStatus,
	eventbus.TypeTaskStopped,
	eventbus.TypeFeedLost,
	eventbus.TypeFeedRestored,
	eventbus.TypeLedgerEvicted,
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	feed    *openf1.Client
	ledger  *ledger.Ledger
	disp    *dispatch.Dispatcher
	live    *live.Controller
	sched   *scheduler.Service
	bot     *bot.Bot
	cmdm    *router.Manager
	nats    *eventbus.NATSBridge

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	bus := eventbus.New()

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc := mapStorage(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("ledger storage: %w", err)
	}
	if store != nil {
		log.Info("ledger storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	feed := openf1.New(mapOpenF1(cfg), log.With(logx.String("comp", "openf1")))
	led := ledger.New(mapLedger(cfg), store, log.With(logx.String("comp", "ledger")), bus)
	disp := dispatch.New(mapDispatcher(cfg), ad, log.With(logx.String("comp", "dispatch")), bus)
	ctl := live.New(mapLive(cfg), feed, disp, led, log.With(logx.String("comp", "live")), bus)
	sched := scheduler.New(mapScheduler(cfg), log.With(logx.String("comp", "scheduler")), bus)

	b := bot.New(bot.Deps{Live: ctl, Calendar: feed, Stats: disp, Jobs: sched},
		displayLocation(cfg), log.With(logx.String("comp", "bot")))
	cmdm := router.NewManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.AllowedChatIDs)

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		feed:    feed,
		ledger:  led,
		disp:    disp,
		live:    ctl,
		sched:   sched,
		bot:     b,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		for _, s := range []struct{ path, raw string }{
			{"ledger.sweep", sweepSchedule(cfg)},
			{"scheduler.prewarm", prewarmSchedule(cfg)},
		} {
			if _, err := scheduler.ParseSchedule(s.raw); err != nil {
				return fmt.Errorf("%s: %w", s.path, err)
			}
		}
		return nil
	})

	if err := a.ledger.Restore(ctx); err != nil {
		a.log.Warn("ledger restore failed; finished sessions will be evicted by ttl only", logx.Err(err))
	}
	cfg := a.cfgm.Get()
	if err := a.sched.Add("ledger.sweep", sweepSchedule(cfg), 30*time.Second, func(c context.Context) error {
		if evicted := a.ledger.Sweep(c); len(evicted) > 0 {
			a.log.Debug("ledger swept", logx.Any("sessions", evicted))
		}
		return nil
	}); err != nil {
		return err
	}
	if err := a.sched.Add("openf1.prewarm", prewarmSchedule(cfg), 30*time.Second, func(c context.Context) error {
		return a.feed.Prewarm(c, time.Now())
	}); err != nil {
		return err
	}

	a.disp.Start(runCtx)
	a.live.Open(runCtx)
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	a.cmdm.SetRegistry(runCtx, a.bot.Commands(), a.bot.Callbacks(func() string {
		return router.HelpText(a.cmdm.Commands())
	}))
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.Run(c, a.updates)
	})

	a.sched.Start(runCtx)
	a.startNATS(cfg)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) startNATS(cfg *config.Config) {
	n := cfg.NATS
	if n == nil || !n.Enabled {
		return
	}
	br, err := eventbus.DialNATS(n.URL, n.Name, n.SubjectPrefix, natsTypes, a.log.With(logx.String("comp", "nats")))
	if err != nil {
		a.log.Warn("nats bridge disabled", logx.String("url", n.URL), logx.Err(err))
		return
	}
	a.nats = br
	a.sup.GoRestart("nats.bridge", func(c context.Context) error {
		return br.Run(c, a.bus)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second), rtsup.WithStopOnCleanExit(true))
}

// reload applies a validated config to the running services.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	restart := needsRestart(sections)
	if !reflect.DeepEqual(prev.Ledger.Storage, next.Ledger.Storage) {
		restart = append(restart, "ledger.storage")
	}
	if sweepSchedule(prev) != sweepSchedule(next) || prewarmSchedule(prev) != prewarmSchedule(next) {
		restart = append(restart, "housekeeping schedules")
	}
	if len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))
	a.feed.Apply(mapOpenF1(next))
	a.ledger.Apply(mapLedger(next))
	a.disp.Apply(mapDispatcher(next))
	a.live.Apply(mapLive(next))
	a.bot.SetLocation(displayLocation(next))
	a.cmdm.SetAllowed(next.Telegram.AllowedChatIDs)

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(mapScheduler(next))
	switch {
	case wasEnabled && !next.Scheduler.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Scheduler.Enabled:
		a.sched.Start(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step runs fn with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("live", 4*time.Second, a.live.Close)
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("nats", time.Second, func(context.Context) error {
		if a.nats == nil {
			return nil
		}
		return a.nats.Close()
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// restartSections lists config sections only read at startup.
var restartSections = []string{"telegram", "nats"}

func needsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			out = append(out, s)
		}
	}
	return out
}

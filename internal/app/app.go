package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"tellbot/internal/config"
	"tellbot/internal/eventbus"
	"tellbot/internal/plugin"
	rtsup "tellbot/internal/runtime/supervisor"
	"tellbot/internal/scheduler"
	"tellbot/internal/storage"
	kit "tellbot/internal/transport"
	telegram "tellbot/internal/transport/telegram/adapter"
	"tellbot/internal/transport/telegram/router"
	logx "tellbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter *telegram.Adapter
	sched   *scheduler.Service
	cmdm    *router.CommandManager
	pm      *plugin.PluginManager
	sd      *notifier

	updates chan kit.Update
}

// Option tweaks NewApp.
type Option func(*options)

type options struct {
	offline bool
}

// WithOffline builds the chat adapter without contacting Telegram.
func WithOffline() Option { return func(o *options) { o.offline = true } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	adCfg.Offline = o.offline
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(adCfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Chat mirroring starts disabled so Apply sees the target before it is
	// switched on.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logs, root := logx.New(bootCfg, ad)
	logs.SetChatTarget(cfg.GroupLogChatID(), cfg.Logging.Telegram.ThreadID)
	logs.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	sc, err := MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	bus := eventbus.New()
	sched := scheduler.New(mapSchedulerConfig(cfg), root.With(logx.String("comp", "scheduler")))
	cmdm := router.NewCommandManager(root, ad, bus, cfg.Telegram.OwnerUserIDs)

	deps := plugin.PluginDeps{
		Logger:       root,
		Adapter:      ad,
		Directory:    ad,
		Config:       cfgm,
		Scheduler:    sched,
		Bus:          bus,
		Store:        store,
		OwnerUserIDs: slices.Clone(cfg.Telegram.OwnerUserIDs),
	}
	pm := plugin.NewPluginManager(root, cfgm, deps, cmdm)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched,
		cmdm:    cmdm,
		pm:      pm,
		sd:      newNotifier(root.With(logx.String("comp", "systemd")), cfg.Systemd.Notify),
		updates: make(chan kit.Update, 256),
	}, nil
}

func (a *App) Plugins() *plugin.PluginManager { return a.pm }
func (a *App) Config() *config.ConfigManager  { return a.cfgm }

// Done is closed when the app's run context ends, for example after a fatal
// supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(a.pm.ValidateConfig)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	a.sched.Start(runCtx)
	if err := a.pm.StartAll(runCtx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}

	a.sup.Go("command.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
		})
	}
	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// logEvents mirrors lifecycle events from the bus into the debug log.
// Presence traffic is skipped; it is too chatty to be useful there.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == eventbus.TypePresence || ev.Type == eventbus.TypeDeparture {
				continue
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latest(sub, newCfg)
			if newCfg == nil {
				continue
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains sub so a burst of reloads is applied once.
func latest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Strings("plugins", pluginChanged))
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "systemd") {
		a.log.Warn("systemd config changed; restart required for changes to take effect")
	}

	a.logs.SetChatTarget(newCfg.GroupLogChatID(), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.pm.SetOwnerUserIDs(newCfg.Telegram.OwnerUserIDs)

	a.sched.Apply(mapSchedulerConfig(newCfg))
	a.pm.OnConfigUpdate(ctx, newCfg)

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason plugin.StopReason) error {
	if a.sup == nil {
		return a.closeIdle()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		a.step(ctx, name, limit, fn)
	}
	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, reason); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// closeIdle releases resources of an app that never started.
func (a *App) closeIdle() error {
	err := a.store.Close()
	return errors.Join(err, a.logs.Close())
}

// step runs fn bounded by limit and by ctx's deadline, so one slow component
// cannot stall the whole shutdown. A step that overruns keeps running; its
// late completion is logged.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
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
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"tellbot/internal/config"
	"tellbot/internal/eventbus"
	logx "tellbot/pkg/logx"
)

// StopReason is logged and published when a plugin stops.
type StopReason string

const (
	StopAppStop          StopReason = "app_stop"
	StopSignal           StopReason = "signal"
	StopFatalError       StopReason = "fatal_error"
	StopPluginDisable    StopReason = "plugin_disable"
	StopPluginQuarantine StopReason = "plugin_quarantine"
)

// Registry receives the merged command set of all running plugins.
type Registry interface {
	SetRegistry(cmds []Command)
}

// PluginStatus is one row of Snapshot.
type PluginStatus struct {
	Name            string
	Enabled         bool
	Running         bool
	Quarantined     bool
	QuarantineErr   string
	QuarantineSince time.Time
	Commands        int
}

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
}

// callTimeout bounds Init, config hooks and Start.
const callTimeout = 10 * time.Second

type PluginManager struct {
	mu sync.Mutex

	log      logx.Logger
	cfgm     *config.ConfigManager
	deps     PluginDeps
	registry Registry

	reg    map[string]Plugin
	order  []string
	run    map[string]bool
	inited map[string]bool
	// config hash per running plugin, to skip redundant OnConfigChange calls
	lastRawHash map[string]uint64
	lastGlobal  uint64
	quarantine  map[string]quarantineState

	// baseCtx outlives the call-scoped contexts handed to StartAll and
	// OnConfigUpdate; BindContext ties it to the app context.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pcancel map[string]context.CancelFunc
}

func NewPluginManager(log logx.Logger, cfgm *config.ConfigManager, deps PluginDeps, registry Registry) *PluginManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	pm := &PluginManager{
		log:         log.With(logx.String("comp", "plugins")),
		cfgm:        cfgm,
		deps:        deps,
		registry:    registry,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		quarantine:  map[string]quarantineState{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pcancel:     map[string]context.CancelFunc{},
	}
	if pm.deps.Plugins == nil {
		pm.deps.Plugins = pm
	}
	return pm
}

func (pm *PluginManager) emit(typ string, data pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// BindContext ties the manager's base context to appCtx. First bind wins.
func (pm *PluginManager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	pm.mu.Unlock()
	context.AfterFunc(appCtx, pm.baseCancel)
}

func (pm *PluginManager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		name := pl.Name()
		if _, dup := pm.reg[name]; !dup {
			pm.order = append(pm.order, name)
		}
		pm.reg[name] = pl
	}
}

func (pm *PluginManager) StartAll(ctx context.Context) error {
	pm.BindContext(ctx)
	return pm.reconcile(pm.cfgm.Get())
}

func (pm *PluginManager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.BindContext(ctx)
	_ = pm.reconcile(cfg)
}

// SetOwnerUserIDs updates the owner list handed to plugins on Init.
func (pm *PluginManager) SetOwnerUserIDs(ids []int64) {
	pm.mu.Lock()
	pm.deps.OwnerUserIDs = slices.Clone(ids)
	pm.mu.Unlock()
}

func (pm *PluginManager) StopAll(ctx context.Context, reason StopReason) {
	pm.mu.Lock()
	names := slices.Clone(pm.order)
	pm.mu.Unlock()

	// reverse registration order
	for i := len(names) - 1; i >= 0; i-- {
		pm.stopOne(ctx, names[i], reason)
	}
	pm.refreshRegistry(pm.cfgm.Get())
}

func (pm *PluginManager) stopOne(stopCtx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}

	// a misbehaving Stop must not block shutdown
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: string(reason), Err: stopCtx.Err().Error()})
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", took))
}

func (pm *PluginManager) reconcile(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("plugins: nil config")
	}
	global := ownersHash(cfg.Telegram.OwnerUserIDs)

	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		rawHash uint64
		enabled bool
		running bool
	}
	pm.mu.Lock()
	globalChanged := global != pm.lastGlobal
	ops := make([]op, 0, len(pm.order))
	for _, name := range pm.order {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{
			name:    name,
			p:       pm.reg[name],
			raw:     raw,
			rawHash: canonicalHash(raw.Config),
			enabled: ok && raw.Enabled,
			running: pm.run[name],
		})
	}
	pm.mu.Unlock()

	for _, o := range ops {
		switch {
		case o.enabled && !o.running:
			pm.enable(o.name, o.p, o.raw, o.rawHash)

		case !o.enabled && o.running:
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, o.name, StopPluginDisable)
			cancel()

		case o.enabled && o.running:
			cp, ok := o.p.(ConfigurablePlugin)
			if !ok {
				break
			}
			pm.mu.Lock()
			oldHash := pm.lastRawHash[o.name]
			pm.mu.Unlock()
			if o.rawHash == oldHash && !globalChanged {
				break
			}
			err := validateStandardTimeouts(o.name, o.raw.Config)
			if err == nil {
				err = pm.callConfig(o.name, cp, o.raw.Config)
			}
			if err != nil {
				pm.setQuarantine(o.name, o.rawHash, err, "config")
				stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
				pm.stopOne(stopCtx, o.name, StopPluginQuarantine)
				cancel()
				break
			}
			pm.emit("plugin.config_applied", pluginEvent{Plugin: o.name})
			pm.mu.Lock()
			pm.lastRawHash[o.name] = o.rawHash
			pm.mu.Unlock()
		}
	}

	pm.mu.Lock()
	pm.lastGlobal = global
	pm.mu.Unlock()
	pm.refreshRegistry(cfg)
	return nil
}

func (pm *PluginManager) enable(name string, p Plugin, raw config.PluginConfigRaw, rawHash uint64) {
	pm.mu.Lock()
	q, quarantined := pm.quarantine[name]
	if quarantined && q.rawHash != rawHash {
		delete(pm.quarantine, name)
		quarantined = false
		pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
	}
	deps := pm.deps
	needInit := !pm.inited[name]
	pm.mu.Unlock()
	if quarantined {
		pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", name))
		return
	}

	if err := validateStandardTimeouts(name, raw.Config); err != nil {
		pm.setQuarantine(name, rawHash, err, "timeouts")
		return
	}

	pctx, cancel := context.WithCancel(pm.baseCtx)

	// Init runs once per process; later enables reuse the initialized plugin.
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, deps) })
		icancel()
		if err != nil {
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			pm.emit("plugin.init_failed", pluginEvent{Plugin: name, Err: err.Error()})
			cancel()
			return
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if v, ok := p.(ConfigValidator); ok {
		vctx, vcancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(vctx, raw.Config) })
		vcancel()
		if err != nil {
			pm.setQuarantine(name, rawHash, fmt.Errorf("config validate: %w", err), "validate")
			cancel()
			return
		}
	}
	if cp, ok := p.(ConfigurablePlugin); ok {
		if err := pm.callConfig(name, cp, raw.Config); err != nil {
			pm.setQuarantine(name, rawHash, fmt.Errorf("config apply: %w", err), "config")
			cancel()
			return
		}
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel, callTimeout); err != nil {
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		pm.emit("plugin.start_failed", pluginEvent{Plugin: name, Err: err.Error()})
		cancel()
		return
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pcancel[name] = cancel
	pm.lastRawHash[name] = rawHash
	delete(pm.quarantine, name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name))
	pm.emit("plugin.started", pluginEvent{Plugin: name})
}

func (pm *PluginManager) callConfig(name string, cp ConfigurablePlugin, raw json.RawMessage) error {
	cctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
	defer cancel()
	return pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw) })
}

func (pm *PluginManager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	if ok && prev.rawHash == rawHash && prev.err == err.Error() {
		pm.mu.Unlock()
		return
	}
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: err.Error(), since: time.Now()}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.Err(err))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: err.Error()})
}

// startWithTimeout calls Start(pctx) under a deadline. On timeout the plugin
// context is cancelled and Start gets a short grace period to return.
func (pm *PluginManager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *PluginManager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *PluginManager) refreshRegistry(cfg *config.Config) {
	pm.mu.Lock()
	type entry struct {
		name string
		p    Plugin
	}
	running := make([]entry, 0, len(pm.order))
	for _, name := range pm.order {
		if pm.run[name] {
			running = append(running, entry{name, pm.reg[name]})
		}
	}
	pm.mu.Unlock()

	var cmds []Command
	for _, e := range running {
		pto, has := pluginCommandTimeout(cfg, e.name)
		for _, c := range pm.safeCommands(e.name, e.p) {
			c.PluginName = e.name
			if has && c.Timeout <= 0 {
				c.Timeout = pto
			}
			cmds = append(cmds, c)
		}
	}
	if pm.registry != nil {
		pm.registry.SetRegistry(cmds)
	}
}

func (pm *PluginManager) safeCommands(name string, p Plugin) (out []Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()", logx.String("plugin", name), logx.Any("panic", r))
			out = nil
		}
	}()
	return p.Commands()
}

// pluginCommandTimeout reads plugins.<name>.config.timeouts.command.
func pluginCommandTimeout(cfg *config.Config, name string) (time.Duration, bool) {
	if cfg == nil {
		return 0, false
	}
	raw, ok := cfg.Plugins[name]
	if !ok || len(raw.Config) == 0 {
		return 0, false
	}
	var w struct {
		Timeouts struct {
			Command string `json:"command"`
		} `json:"timeouts"`
	}
	if err := json.Unmarshal(raw.Config, &w); err != nil || w.Timeouts.Command == "" {
		return 0, false
	}
	d, err := time.ParseDuration(w.Timeouts.Command)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func validateStandardTimeouts(plugin string, raw json.RawMessage) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil
	}
	b, ok := top["timeouts"]
	if !ok || len(b) == 0 || string(b) == "null" {
		return nil
	}
	var tm map[string]json.RawMessage
	if err := json.Unmarshal(b, &tm); err != nil {
		return fmt.Errorf("plugin %s: timeouts must be an object", plugin)
	}
	for k, v := range tm {
		switch k {
		case "command", "task":
		default:
			return fmt.Errorf("plugin %s: unknown timeouts field %q (supported: command, task)", plugin, k)
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, k, err)
		}
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, k, err)
		}
	}
	return nil
}

// ValidateConfig checks enabled plugin blocks before a new config is
// committed. It never calls Init, Start or Stop.
func (pm *PluginManager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	pm.mu.Lock()
	names := slices.Clone(pm.order)
	reg := make(map[string]Plugin, len(pm.reg))
	for k, v := range pm.reg {
		reg[k] = v
	}
	pm.mu.Unlock()

	var unknown []string
	for name := range cfg.Plugins {
		if _, ok := reg[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		pm.log.Warn("config names unknown plugins", logx.String("plugins", strings.Join(unknown, ",")))
	}

	for _, name := range names {
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		if err := validateStandardTimeouts(name, raw.Config); err != nil {
			return err
		}
		v, ok := reg[name].(ConfigValidator)
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := v.ValidateConfig(cctx, raw.Config)
		cancel()
		if err != nil {
			return fmt.Errorf("plugin %s: config validate: %w", name, err)
		}
	}
	return nil
}

// Snapshot lists registered plugins in registration order.
func (pm *PluginManager) Snapshot() []PluginStatus {
	cfg := pm.cfgm.Get()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]PluginStatus, 0, len(pm.order))
	for _, name := range pm.order {
		st := PluginStatus{Name: name, Running: pm.run[name]}
		if cfg != nil {
			st.Enabled = cfg.Plugins[name].Enabled
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined = true
			st.QuarantineErr = q.err
			st.QuarantineSince = q.since
		}
		if st.Running {
			st.Commands = len(pm.reg[name].Commands())
		}
		out = append(out, st)
	}
	return out
}

package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"tellbot/internal/config"
	"tellbot/internal/eventbus"
	rtsup "tellbot/internal/runtime/supervisor"
	"tellbot/internal/scheduler"
	"tellbot/internal/storage"
	kit "tellbot/internal/transport"
	"tellbot/internal/transport/telegram/router"
	logx "tellbot/pkg/logx"
)

type (
	Command     = router.Command
	Request     = router.Request
	HandlerFunc = router.HandlerFunc
	Access      = router.Access
)

const (
	AccessEveryone  = router.AccessEveryone
	AccessOwnerOnly = router.AccessOwnerOnly
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps PluginDeps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []Command
}

// ConfigurablePlugin receives its config block before Start and on every
// change while running.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before it is
// committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// StatusProvider exposes plugin states to plugins that report on them.
type StatusProvider interface {
	Snapshot() []PluginStatus
}

type PluginDeps struct {
	Logger    logx.Logger
	Adapter   kit.Adapter
	Directory kit.Directory
	Config    *config.ConfigManager
	Scheduler *scheduler.Service
	Bus       eventbus.Bus
	Store     storage.Store
	Plugins   StatusProvider

	OwnerUserIDs []int64
}

// PluginBase carries the plumbing most plugins share.
//
//	type Plugin struct{ plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); p.Runner.Go(...); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log    logx.Logger
	Deps   PluginDeps
	Runner *rtsup.Supervisor

	pluginName string
	ctx        context.Context

	jobsMu sync.Mutex
	jobs   []string
}

func (b *PluginBase) InitBase(deps PluginDeps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", pluginName))
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = rtsup.New(ctx, rtsup.WithLogger(b.Log), rtsup.WithCancelOnError(false))
}

// StopBase drops the plugin's scheduled jobs, cancels the runner and waits
// for it, bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	b.jobsMu.Lock()
	jobs := b.jobs
	b.jobs = nil
	b.jobsMu.Unlock()
	if s := b.Deps.Scheduler; s != nil {
		for _, name := range jobs {
			s.Remove(name)
		}
	}

	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop or disable).
func (b *PluginBase) Context() context.Context { return b.ctx }

// Schedule registers a job under the plugin's namespace. spec is anything
// scheduler.Parse accepts. Re-registering a name replaces the job.
func (b *PluginBase) Schedule(name, spec string, timeout time.Duration, job scheduler.Job) (string, error) {
	s := b.Deps.Scheduler
	if s == nil {
		return "", errors.New("scheduler not available")
	}
	full := b.ns(name)
	if err := s.Add(full, spec, timeout, job); err != nil {
		return "", err
	}
	b.jobsMu.Lock()
	if !slices.Contains(b.jobs, full) {
		b.jobs = append(b.jobs, full)
	}
	b.jobsMu.Unlock()
	return full, nil
}

func (b *PluginBase) Every(name string, every, timeout time.Duration, job scheduler.Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be positive")
	}
	return b.Schedule(name, "@every "+every.String(), timeout, job)
}

// Unschedule removes a job registered with Schedule or Every.
func (b *PluginBase) Unschedule(name string) {
	full := b.ns(name)
	b.jobsMu.Lock()
	b.jobs = slices.DeleteFunc(b.jobs, func(s string) bool { return s == full })
	b.jobsMu.Unlock()
	if s := b.Deps.Scheduler; s != nil {
		s.Remove(full)
	}
}

func (b *PluginBase) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}

// PublishEvent publishes to the in-process bus, if any. Never blocks.
func (b *PluginBase) PublishEvent(typ string, data any) {
	if b == nil || b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// DecodePluginConfig decodes a plugin's raw config block. Unknown fields are
// rejected.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

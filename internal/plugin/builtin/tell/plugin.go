package tell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tellbot/internal/config"
	"tellbot/internal/eventbus"
	core "tellbot/internal/plugin"
	rtsup "tellbot/internal/runtime/supervisor"
	"tellbot/internal/scheduler"
	tellsvc "tellbot/internal/tell"
	logx "tellbot/pkg/logx"
)

const (
	defaultNudgeCooldown   = 10 * time.Minute
	defaultRefreshSchedule = "@every 1h"
	defaultTaskTimeout     = 30 * time.Second
)

// Config is the plugins.tell.config block.
type Config struct {
	// MaxMessageLength truncates messages in /telllist; 0 means 40 runes.
	MaxMessageLength int `json:"max_message_length"`
	// NudgeCooldown is a duration; "0s" disables the cooldown.
	NudgeCooldown string `json:"nudge_cooldown"`
	// RefreshSchedule rebuilds the counters from storage. "off" disables it.
	RefreshSchedule string `json:"refresh_schedule"`
	Timeouts        struct {
		Command string `json:"command"`
		Task    string `json:"task"`
	} `json:"timeouts"`
}

type settings struct {
	maxMessage  int
	cooldown    time.Duration
	refresh     string
	taskTimeout time.Duration
}

func parseConfig(raw json.RawMessage) (settings, error) {
	c, err := core.DecodePluginConfig[Config](raw)
	if err != nil {
		return settings{}, err
	}
	out := settings{
		maxMessage: c.MaxMessageLength,
		cooldown:   defaultNudgeCooldown,
		refresh:    strings.TrimSpace(c.RefreshSchedule),
	}
	if out.maxMessage < 0 {
		return settings{}, errors.New("max_message_length must be >= 0")
	}
	if out.maxMessage == 0 {
		out.maxMessage = tellsvc.DefaultMaxListMessage
	}
	if strings.TrimSpace(c.NudgeCooldown) != "" {
		if out.cooldown, err = config.ParseDurationField("nudge_cooldown", c.NudgeCooldown); err != nil {
			return settings{}, err
		}
	}
	if out.refresh == "" {
		out.refresh = defaultRefreshSchedule
	}
	if !strings.EqualFold(out.refresh, "off") {
		if _, err := scheduler.Parse(out.refresh); err != nil {
			return settings{}, fmt.Errorf("refresh_schedule: %w", err)
		}
	}
	if out.taskTimeout, err = config.ParseDurationOrDefault("timeouts.task", c.Timeouts.Task, defaultTaskTimeout); err != nil {
		return settings{}, err
	}
	return out, nil
}

type Plugin struct {
	core.PluginBase

	svc *tellsvc.Service

	mu      sync.Mutex
	set     settings
	running bool
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "tell" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitBase(deps, p.Name())
	if deps.Store == nil {
		return errors.New("tell: storage is required")
	}
	if deps.Adapter == nil || deps.Directory == nil {
		return errors.New("tell: a chat adapter with a member directory is required")
	}
	net := network{adapter: deps.Adapter, dir: deps.Directory}
	svc, err := tellsvc.New(tellsvc.Options{
		Store:    deps.Store,
		Emitter:  net,
		Presence: net,
		Resolver: net,
		Identity: net,
		Log:      p.Log,
	})
	if err != nil {
		return err
	}
	p.svc = svc
	return nil
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	set, err := parseConfig(raw)
	if err != nil {
		return err
	}
	p.svc.SetMaxListMessage(set.maxMessage)
	p.svc.SetNudgeCooldown(set.cooldown)

	p.mu.Lock()
	p.set = set
	running := p.running
	p.mu.Unlock()
	if running {
		return p.scheduleRefresh(set)
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	if err := p.svc.Start(ctx); err != nil {
		return err
	}

	if bus := p.Deps.Bus; bus != nil {
		p.Runner.GoRestart("presence", p.consume,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	p.mu.Lock()
	p.running = true
	set := p.set
	p.mu.Unlock()
	if set.refresh == "" {
		set.refresh = defaultRefreshSchedule
		set.taskTimeout = defaultTaskTimeout
	}
	return p.scheduleRefresh(set)
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	if p.svc != nil {
		p.svc.Stop()
	}
	return p.StopBase(ctx)
}

func (p *Plugin) scheduleRefresh(set settings) error {
	if strings.EqualFold(set.refresh, "off") {
		p.Unschedule("refresh")
		return nil
	}
	_, err := p.Schedule("refresh", set.refresh, set.taskTimeout, func(ctx context.Context) error {
		return p.svc.Refresh(ctx)
	})
	if err != nil && p.Deps.Scheduler == nil {
		p.Log.Debug("refresh job not scheduled", logx.Err(err))
		return nil
	}
	return err
}

// consume feeds presence events to the delivery engine until ctx ends.
func (p *Plugin) consume(ctx context.Context) error {
	events, unsub := p.Deps.Bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypePresence {
				continue
			}
			pr, ok := ev.Data.(eventbus.Presence)
			if !ok {
				continue
			}
			if err := p.svc.OnPresence(ctx, pr.Identity); err != nil {
				p.Log.Error("tell delivery failed", logx.String("identity", pr.Identity), logx.Err(err))
			}
		}
	}
}

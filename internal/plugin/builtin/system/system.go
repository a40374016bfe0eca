package system

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	core "tellbot/internal/plugin"
	kit "tellbot/internal/transport"
)

type Plugin struct {
	core.PluginBase
	startedAt time.Time
	now       func() time.Time
}

func New() *Plugin             { return &Plugin{now: time.Now} }
func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitBase(deps, p.Name())
	if p.now == nil {
		p.now = time.Now
	}
	if p.startedAt.IsZero() {
		p.startedAt = p.now()
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

func (p *Plugin) Commands() []core.Command {
	return []core.Command{
		{
			Route:       "ping",
			Description: "check that the bot is alive",
			Usage:       "/ping",
			Access:      core.AccessEveryone,
			Handle: func(ctx context.Context, req *core.Request) error {
				return req.Reply(ctx, "pong")
			},
		},
		{
			Route:       "uptime",
			Aliases:     []string{"up"},
			Description: "how long the bot has been running",
			Usage:       "/uptime",
			Access:      core.AccessEveryone,
			Handle: func(ctx context.Context, req *core.Request) error {
				return req.Reply(ctx, "up since "+humanize.RelTime(p.startedAt, p.now(), "ago", "from now"))
			},
		},
		{
			Route:       "health",
			Description: "plugin, scheduler and runtime state",
			Usage:       "/health",
			Access:      core.AccessOwnerOnly,
			Handle:      p.cmdHealth,
		},
	}
}

func (p *Plugin) cmdHealth(ctx context.Context, req *core.Request) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, p.healthText(), &kit.SendOptions{DisablePreview: true})
	return err
}

func (p *Plugin) healthText() string {
	now := p.now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	lines := []string{
		"🩺 health",
		fmt.Sprintf("- up: %s (since %s)", strings.TrimSpace(humanize.RelTime(p.startedAt, now, "", "")), p.startedAt.Format(time.RFC3339)),
		fmt.Sprintf("- go: %s, goroutines: %d, heap: %s", runtime.Version(), runtime.NumGoroutine(), humanize.IBytes(m.HeapAlloc)),
	}

	if ps := p.Deps.Plugins; ps != nil {
		lines = append(lines, "- plugins:")
		for _, st := range ps.Snapshot() {
			state := "stopped"
			switch {
			case st.Quarantined:
				state = "quarantined: " + shorten(st.QuarantineErr, 120)
			case st.Running:
				state = fmt.Sprintf("running, %d commands", st.Commands)
			case !st.Enabled:
				state = "disabled"
			}
			lines = append(lines, fmt.Sprintf("  %s: %s", st.Name, state))
		}
	}

	if s := p.Deps.Scheduler; s != nil {
		entries := s.Entries()
		if len(entries) == 0 {
			lines = append(lines, "- schedules: none")
		} else {
			lines = append(lines, "- schedules:")
			for _, e := range entries {
				next := "-"
				if !e.Next.IsZero() {
					next = humanize.RelTime(e.Next, now, "ago", "from now")
				}
				lines = append(lines, fmt.Sprintf("  %s: %s, next %s", e.Name, e.Spec, next))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func shorten(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

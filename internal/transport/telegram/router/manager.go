package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"tellbot/internal/eventbus"
	rtsup "tellbot/internal/runtime/supervisor"
	kit "tellbot/internal/transport"
	logx "tellbot/pkg/logx"
)

// CommandManager turns updates into presence events and command requests.
// Commands run on a bounded worker pool.
type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command
	alias map[string]*Command

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, bus eventbus.Bus, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		owners:  slices.Clone(owners),
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		bus:     bus,
		jobs:    make(chan func(), 256),
	}
}

// SetOwners replaces the ids allowed to run AccessOwnerOnly commands.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry swaps the command set. /help is always added.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, m.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	byRoute := map[string]*Command{}
	alias := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := strings.ToLower(strings.TrimSpace(c.Route))
		if route == "" || strings.ContainsAny(route, " \t") || c.Handle == nil {
			continue
		}
		if _, dup := byRoute[route]; dup {
			m.log.Warn("duplicate command ignored", logx.String("cmd", route), logx.String("plugin", c.PluginName))
			continue
		}
		cc := c
		cc.Route = route
		byRoute[route] = &cc
		list = append(list, cc)
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" && a != route {
				alias[a] = &cc
			}
		}
	}

	m.mu.Lock()
	m.cmds = byRoute
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenuCommands(list)
		run := func(parent context.Context) error {
			ctx, cancel := context.WithTimeout(parent, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		}
		if sup := m.supervisor(); sup != nil {
			sup.Go("telegram.menu.update", run)
		} else {
			go func() { _ = run(context.Background()) }()
		}
	}
}

func (m *CommandManager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return *c, true
	}
	if c, ok := m.alias[word]; ok {
		return *c, true
	}
	return Command{}, false
}

func (m *CommandManager) commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Route, b.Route) })
	return out
}

func (m *CommandManager) supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue tolerates a closed jobs channel.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx ends or updates closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		msg := up.Message
		if !msg.FromBot {
			m.publish(eventbus.TypePresence, msg.ChatID, msg.FromUsername, msg.FromID, msg.IsPrivate)
		}
		m.routeCommand(ctx, up)
	case kit.UpdateJoin:
		if up.Member != nil && !up.Member.IsBot {
			m.publish(eventbus.TypePresence, up.Member.ChatID, up.Member.Username, up.Member.UserID, false)
		}
	case kit.UpdateLeave:
		if up.Member != nil && !up.Member.IsBot {
			m.publish(eventbus.TypeDeparture, up.Member.ChatID, up.Member.Username, up.Member.UserID, false)
		}
	}
}

func (m *CommandManager) publish(typ string, chatID int64, username string, userID int64, private bool) {
	if m.bus == nil {
		return
	}
	id := kit.Identity(username, userID)
	if id == "" {
		return
	}
	p := eventbus.Presence{Identity: id, UserID: userID}
	if !private {
		p.Channel = kit.ChannelID(chatID)
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: p})
}

func (m *CommandManager) self() string {
	if d, ok := m.adapter.(kit.Directory); ok {
		return d.Self()
	}
	return ""
}

func (m *CommandManager) routeCommand(ctx context.Context, up kit.Update) {
	msg := up.Message
	word, bot, rest, ok := parseCommand(msg.Text)
	if !ok || msg.FromBot {
		return
	}
	self := m.self()
	if bot != "" && self != "" && bot != self {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, found := m.lookup(word)
	if !found {
		if msg.IsPrivate || bot != "" {
			_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromIdentity: kit.Identity(msg.FromUsername, msg.FromID),
		FromName:     msg.FromName,
		ChatTitle:    msg.ChatTitle,
		Private:      msg.IsPrivate,
		Command:      cmd.Route,
		Args:         strings.Fields(rest),
		Text:         rest,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	final := Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(cmd.Timeout))
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

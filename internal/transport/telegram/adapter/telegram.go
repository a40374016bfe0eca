package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "tellbot/internal/runtime/supervisor"
	kit "tellbot/internal/transport"
	logx "tellbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outbound sends. Zero uses the default of 25/s.
	RatePerSec float64
	// Offline skips the getMe call; used by tests.
	Offline bool
}

// memberLookup asks Telegram whether userID is still in chatID.
type memberLookup func(ctx context.Context, chatID, userID int64) (bool, error)

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	roster  *Roster
	lookup  memberLookup
	limiter *rate.Limiter
	now     func() time.Time

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram.adapter")),
		bot:     b,
		roster:  NewRoster(),
		limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		now:     time.Now,
	}
	a.lookup = a.chatMemberOf
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Roster exposes the observed membership table.
func (a *Adapter) Roster() *Roster { return a.roster }

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		msg := &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			ChatTitle:    m.Chat.Title,
			IsPrivate:    m.Chat.Type == tele.ChatPrivate,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			FromName:     displayName(m.Sender),
			FromBot:      m.Sender.IsBot,
			Text:         text,
		}
		a.observe(msg.ChatID, msg.ChatTitle, msg.IsPrivate, m.Sender)
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	}
	for _, ep := range []string{tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnDocument, tele.OnSticker, tele.OnVoice, tele.OnAnimation} {
		a.bot.Handle(ep, onMessage)
	}

	a.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		users := append([]tele.User(nil), m.UsersJoined...)
		if m.UserJoined != nil && len(users) == 0 {
			users = append(users, *m.UserJoined)
		}
		for i := range users {
			u := &users[i]
			a.observe(m.Chat.ID, m.Chat.Title, false, u)
			a.sendUpdate(kit.Update{Kind: kit.UpdateJoin, Member: member(m.Chat, u)})
		}
		return nil
	})

	a.bot.Handle(tele.OnUserLeft, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.UserLeft == nil {
			return nil
		}
		u := m.UserLeft
		a.roster.Left(m.Chat.ID, kit.Identity(u.Username, u.ID))
		a.sendUpdate(kit.Update{Kind: kit.UpdateLeave, Member: member(m.Chat, u)})
		return nil
	})
}

func (a *Adapter) observe(chatID int64, title string, private bool, u *tele.User) {
	if u == nil {
		return
	}
	id := kit.Identity(u.Username, u.ID)
	if private {
		a.roster.Seen(0, "", id, u.ID, a.now())
		return
	}
	a.roster.Seen(chatID, title, id, u.ID, a.now())
}

func member(chat *tele.Chat, u *tele.User) *kit.Member {
	return &kit.Member{
		ChatID:    chat.ID,
		ChatTitle: chat.Title,
		UserID:    u.ID,
		Username:  u.Username,
		Name:      displayName(u),
		IsBot:     u.IsBot,
	}
}

func displayName(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for long on a pending long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && sup.Context().Err() == nil {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendLog delivers a rendered log line; it satisfies logx.ChatSink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// IsMember asks getChatMember whenever the user id is known, so members the
// roster has not seen in chatID yet (e.g. after a restart) still count. Without
// a user id the roster is the only source.
func (a *Adapter) IsMember(ctx context.Context, chatID int64, identity string) (bool, error) {
	seen := a.roster.Has(chatID, identity)
	uid, ok := a.roster.UserID(identity)
	if !ok || a.lookup == nil {
		return seen, nil
	}
	present, err := a.lookup(ctx, chatID, uid)
	if err != nil {
		return false, err
	}
	switch {
	case present && !seen:
		a.roster.Seen(chatID, "", identity, uid, a.now())
	case !present && seen:
		a.roster.Left(chatID, identity)
	}
	return present, nil
}

func (a *Adapter) chatMemberOf(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return false, err
	}
	m, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	if err != nil {
		return false, err
	}
	switch m.Role {
	case tele.Left, tele.Kicked:
		return false, nil
	default:
		return true, nil
	}
}

func (a *Adapter) ChatTitle(chatID int64) string { return a.roster.Title(chatID) }

func (a *Adapter) UserID(identity string) (int64, bool) { return a.roster.UserID(identity) }

func (a *Adapter) Self() string {
	if a.bot.Me == nil {
		return ""
	}
	return kit.Identity(a.bot.Me.Username, a.bot.Me.ID)
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: d})
		if len(list) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

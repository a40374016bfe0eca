package tell

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tellbot/internal/eventbus"
	core "tellbot/internal/plugin"
	"tellbot/internal/storage"
	tellsvc "tellbot/internal/tell"
	kit "tellbot/internal/transport"
	logx "tellbot/pkg/logx"
)

type chat struct {
	mu      sync.Mutex
	sent    map[int64][]string
	members map[int64]map[string]bool
	users   map[string]int64
	titles  map[int64]string
}

func newChat() *chat {
	return &chat{
		sent:    map[int64][]string{},
		members: map[int64]map[string]bool{},
		users:   map[string]int64{},
		titles:  map[int64]string{-100: "Ops"},
	}
}

func (c *chat) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *chat) Stop(context.Context) error                     { return nil }

func (c *chat) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[to.ChatID] = append(c.sent[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *chat) IsMember(_ context.Context, chatID int64, identity string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[chatID][identity], nil
}

func (c *chat) ChatTitle(chatID int64) string { return c.titles[chatID] }

func (c *chat) UserID(identity string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.users[identity]
	return id, ok
}

func (c *chat) Self() string { return "tellbot" }

func (c *chat) join(chatID int64, identity string, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.members[chatID] == nil {
		c.members[chatID] = map[string]bool{}
	}
	c.members[chatID][identity] = true
	c.users[identity] = userID
}

func (c *chat) messages(chatID int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent[chatID]...)
}

func TestParseConfig(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
		check   func(settings) bool
	}{
		{raw: ``, check: func(s settings) bool {
			return s.maxMessage == tellsvc.DefaultMaxListMessage && s.cooldown == defaultNudgeCooldown && s.refresh == defaultRefreshSchedule
		}},
		{raw: `{"max_message_length":10,"nudge_cooldown":"0s","refresh_schedule":"off"}`, check: func(s settings) bool {
			return s.maxMessage == 10 && s.cooldown == 0 && s.refresh == "off"
		}},
		{raw: `{"refresh_schedule":"03:30","timeouts":{"task":"5s"}}`, check: func(s settings) bool {
			return s.refresh == "03:30" && s.taskTimeout == 5*time.Second
		}},
		{raw: `{"max_message_length":-1}`, wantErr: true},
		{raw: `{"nudge_cooldown":"soon"}`, wantErr: true},
		{raw: `{"refresh_schedule":"every:nope"}`, wantErr: true},
		{raw: `{"max_len":3}`, wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseConfig(json.RawMessage(tc.raw))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseConfig(%s): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseConfig(%s): %v", tc.raw, err)
		}
		if !tc.check(got) {
			t.Fatalf("parseConfig(%s) = %+v", tc.raw, got)
		}
	}
}

func TestNetworkPorts(t *testing.T) {
	c := newChat()
	c.join(-100, "bob", 5)
	n := network{adapter: c, dir: c}

	dest, ok := n.Resolve("bob")
	require.True(t, ok)
	assert.Equal(t, tellsvc.User("bob"), dest)

	dest, ok = n.Resolve("-100")
	require.True(t, ok)
	assert.Equal(t, tellsvc.Channel("-100"), dest)

	_, ok = n.Resolve("stranger")
	assert.False(t, ok)

	id, ok := n.userID("id77")
	require.True(t, ok)
	assert.Equal(t, int64(77), id)

	assert.Equal(t, "Ops", n.Label("-100"))
	assert.Equal(t, "-200", n.Label("-200"))
	assert.Equal(t, "#irc", n.Label("#irc"))

	require.NoError(t, n.Emit(context.Background(), tellsvc.User("bob"), "hi"))
	assert.Equal(t, []string{"hi"}, c.messages(5))
	require.Error(t, n.Emit(context.Background(), tellsvc.User("stranger"), "hi"))
	require.Error(t, n.Emit(context.Background(), tellsvc.Channel("ops"), "hi"))

	require.NoError(t, n.EmitLines(context.Background(), tellsvc.Channel("-100"), []string{"a", "b"}))
	assert.Equal(t, []string{"a\nb"}, c.messages(-100))

	present, err := n.IsPresent(context.Background(), "-100", "bob")
	require.NoError(t, err)
	assert.True(t, present)
	_, err = n.IsPresent(context.Background(), "ops", "bob")
	require.Error(t, err)
}

func TestPluginEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := newChat()
	bus := eventbus.New()
	p := New()
	require.NoError(t, p.Init(ctx, core.PluginDeps{Store: st, Adapter: c, Directory: c, Bus: bus}))
	require.NoError(t, p.OnConfigChange(ctx, json.RawMessage(`{"nudge_cooldown":"0s"}`)))
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	cmds := map[string]core.Command{}
	for _, cmd := range p.Commands() {
		cmds[cmd.Route] = cmd
	}
	require.Len(t, cmds, 6)
	assert.Equal(t, core.AccessOwnerOnly, cmds["tellmod"].Access)

	req := &core.Request{
		Chat:         kit.ChatTarget{ChatID: -100},
		FromID:       9,
		FromIdentity: "alice",
		FromName:     "Alice",
		Text:         "@Bob, lunch is at noon",
		Adapter:      c,
	}
	require.NoError(t, cmds["tell"].Handle(ctx, req))
	assert.Equal(t, []string{"Ok, Alice. Message stored."}, c.messages(-100))

	// bob shows up in the channel; the engine delivers there
	c.join(-100, "bob", 5)
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypePresence, Data: eventbus.Presence{Identity: "bob", Channel: "-100", UserID: 5}})
		return len(c.messages(-100)) == 2
	}, 2*time.Second, 20*time.Millisecond)

	line := c.messages(-100)[1]
	assert.True(t, strings.HasPrefix(line, "bob: (from: alice, "), line)
	assert.True(t, strings.HasSuffix(line, ") lunch is at noon"), line)

	req.Text = ""
	require.NoError(t, cmds["tellstatus"].Handle(ctx, req))
	assert.Equal(t, "There are no tells waiting for anyone, Alice", c.messages(-100)[2])
}

func TestPluginRepliesOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)

	c := newChat()
	p := New()
	require.NoError(t, p.Init(ctx, core.PluginDeps{Store: st, Adapter: c, Directory: c}))
	require.NoError(t, st.Close())

	var tellCmd core.Command
	for _, cmd := range p.Commands() {
		if cmd.Route == "tell" {
			tellCmd = cmd
		}
	}
	req := &core.Request{
		Chat:         kit.ChatTarget{ChatID: -100},
		FromIdentity: "alice",
		Text:         "bob hello",
		Adapter:      c,
	}
	require.NoError(t, tellCmd.Handle(ctx, req))
	assert.Equal(t, []string{"Something went wrong, please try again later."}, c.messages(-100))
}

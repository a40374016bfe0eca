package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tellbot/internal/config"
	logx "tellbot/pkg/logx"
)

type fakePlugin struct {
	PluginBase

	mu        sync.Mutex
	inits     int
	starts    int
	stops     int
	configs   []string
	rejectCfg string
}

func (p *fakePlugin) Name() string { return "fake" }

func (p *fakePlugin) Init(_ context.Context, deps PluginDeps) error {
	p.InitBase(deps, p.Name())
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.StopBase(ctx)
}

func (p *fakePlugin) Commands() []Command {
	return []Command{{Route: "fake", Handle: func(context.Context, *Request) error { return nil }}}
}

func (p *fakePlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, string(raw))
	return nil
}

func (p *fakePlugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	if p.rejectCfg != "" && string(raw) == p.rejectCfg {
		return errors.New("rejected")
	}
	return nil
}

func (p *fakePlugin) counts() (int, int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.starts, p.stops, len(p.configs)
}

type fakeRegistry struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *fakeRegistry) SetRegistry(cmds []Command) {
	r.mu.Lock()
	r.cmds = cmds
	r.mu.Unlock()
}

func (r *fakeRegistry) get() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmds
}

func cfgWith(enabled bool, raw string) *config.Config {
	pc := config.PluginConfigRaw{Enabled: enabled}
	if raw != "" {
		pc.Config = json.RawMessage(raw)
	}
	return &config.Config{Plugins: map[string]config.PluginConfigRaw{"fake": pc}}
}

func newManager(t *testing.T, cfg *config.Config) (*PluginManager, *fakePlugin, *fakeRegistry) {
	t.Helper()
	cfgm := config.NewConfigManager("")
	cfgm.Commit(cfg)
	reg := &fakeRegistry{}
	pm := NewPluginManager(logx.Nop(), cfgm, PluginDeps{}, reg)
	p := &fakePlugin{}
	pm.Register(p)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), time.Second)
		pm.StopAll(stopCtx, StopAppStop)
		c()
		cancel()
	})
	require.NoError(t, pm.StartAll(ctx))
	return pm, p, reg
}

func TestStartRegistersCommands(t *testing.T) {
	_, p, reg := newManager(t, cfgWith(true, `{"timeouts":{"command":"3s"}}`))

	inits, starts, _, configs := p.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, configs)

	cmds := reg.get()
	require.Len(t, cmds, 1)
	assert.Equal(t, "fake", cmds[0].PluginName)
	assert.Equal(t, 3*time.Second, cmds[0].Timeout)
}

func TestDisableAndReenable(t *testing.T) {
	pm, p, reg := newManager(t, cfgWith(true, ""))

	pm.OnConfigUpdate(context.Background(), cfgWith(false, ""))
	_, _, stops, _ := p.counts()
	assert.Equal(t, 1, stops)
	assert.Empty(t, reg.get())

	pm.OnConfigUpdate(context.Background(), cfgWith(true, ""))
	inits, starts, _, _ := p.counts()
	assert.Equal(t, 1, inits, "init runs once")
	assert.Equal(t, 2, starts)
	assert.Len(t, reg.get(), 1)
}

func TestConfigChangeOnlyWhenDifferent(t *testing.T) {
	pm, p, _ := newManager(t, cfgWith(true, `{"a":1,"b":2}`))

	pm.OnConfigUpdate(context.Background(), cfgWith(true, `{ "b": 2, "a": 1 }`))
	_, _, _, configs := p.counts()
	assert.Equal(t, 1, configs, "same document, different layout")

	pm.OnConfigUpdate(context.Background(), cfgWith(true, `{"a":2}`))
	_, _, _, configs = p.counts()
	assert.Equal(t, 2, configs)

	next := cfgWith(true, `{"a":2}`)
	next.Telegram.OwnerUserIDs = []int64{42}
	pm.OnConfigUpdate(context.Background(), next)
	_, _, _, configs = p.counts()
	assert.Equal(t, 3, configs, "owner change re-applies")
}

func TestBadTimeoutsQuarantine(t *testing.T) {
	pm, p, reg := newManager(t, cfgWith(true, `{"timeouts":{"job":"1s"}}`))

	_, starts, _, _ := p.counts()
	assert.Zero(t, starts)
	assert.Empty(t, reg.get())

	snap := pm.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Enabled)
	assert.False(t, snap[0].Running)
	assert.True(t, snap[0].Quarantined)
	assert.Contains(t, snap[0].QuarantineErr, "unknown timeouts field")

	pm.OnConfigUpdate(context.Background(), cfgWith(true, `{"timeouts":{"command":"1s"}}`))
	snap = pm.Snapshot()
	assert.True(t, snap[0].Running)
	assert.False(t, snap[0].Quarantined)
	assert.Equal(t, 1, snap[0].Commands)
}

func TestValidateConfig(t *testing.T) {
	pm, p, _ := newManager(t, cfgWith(false, ""))
	p.rejectCfg = `{"x":1}`

	require.NoError(t, pm.ValidateConfig(context.Background(), cfgWith(false, `{"x":1}`)), "disabled plugins are not validated")
	require.Error(t, pm.ValidateConfig(context.Background(), cfgWith(true, `{"x":1}`)))
	require.Error(t, pm.ValidateConfig(context.Background(), cfgWith(true, `{"timeouts":"soon"}`)))
	require.NoError(t, pm.ValidateConfig(context.Background(), cfgWith(true, `{"x":2}`)))
}

func TestDecodePluginConfig(t *testing.T) {
	type conf struct {
		Limit int `json:"limit"`
	}
	c, err := DecodePluginConfig[conf](json.RawMessage(`{"limit":3}`))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Limit)

	c, err = DecodePluginConfig[conf](nil)
	require.NoError(t, err)
	assert.Zero(t, c.Limit)

	_, err = DecodePluginConfig[conf](json.RawMessage(`{"limti":3}`))
	require.Error(t, err)
}

func TestPluginBaseNamespaces(t *testing.T) {
	var b PluginBase
	b.InitBase(PluginDeps{}, "tell")
	assert.Equal(t, "tell:refresh", b.ns("refresh"))
	assert.Equal(t, "tell", b.ns(""))

	_, err := b.Every("refresh", time.Minute, 0, func(context.Context) error { return nil })
	require.Error(t, err, "no scheduler")
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
  poll_timeout: 15s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/tells.db
scheduler:
  enabled: true
  timezone: UTC
plugins:
  tell:
    enabled: true
    config:
      max_message_length: 40
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseYAML(t *testing.T) {
	cfg, err := NewConfigManager(writeFile(t, "config.yaml", sampleYAML)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.Plugins["tell"].Enabled)
	assert.JSONEq(t, `{"max_message_length":40}`, string(cfg.Plugins["tell"].Config))
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestParseTOML(t *testing.T) {
	body := `
[telegram]
token = "t"
owner_user_ids = [7]

[storage]
driver = "sqlite"
path = "tells.db"

[plugins.tell]
enabled = true
`
	cfg, err := NewConfigManager(writeFile(t, "config.toml", body)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "t", cfg.Telegram.Token)
	assert.Equal(t, []int64{7}, cfg.Telegram.OwnerUserIDs)
	assert.True(t, cfg.Plugins["tell"].Enabled)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"},"bogus":1}`)).Parse()
	require.Error(t, err)

	_, err = NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"},"plugins":{"tell":{"enabled":true,"typo":1}}}`)).Parse()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"}}{}`)).Parse()
	require.Error(t, err)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing token", body: `{"telegram":{}}`},
		{name: "bad driver", body: `{"telegram":{"token":"x"},"storage":{"driver":"mysql"}}`},
		{name: "bad timezone", body: `{"telegram":{"token":"x"},"scheduler":{"timezone":"Mars/Olympus"}}`},
		{name: "bad duration", body: `{"telegram":{"token":"x","poll_timeout":"soon"}}`},
		{name: "bad level", body: `{"telegram":{"token":"x"},"logging":{"level":"loud"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, "config.json", tt.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELLBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("TELLBOT_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("TELLBOT_TELEGRAM_OWNER_USER_IDS", "5,6")

	cfg, err := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"file"},"storage":{"driver":"sqlite","path":"a.db"}}`)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path)
	assert.Equal(t, []int64{5, 6}, cfg.Telegram.OwnerUserIDs)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Plugins:  map[string]PluginConfigRaw{"tell": {Enabled: true}},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Logging:  LoggingConfig{Level: "debug"},
		Plugins:  map[string]PluginConfigRaw{"tell": {Enabled: false}, "extra": {Enabled: true}},
	}
	sections, fields, plugins := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "plugins"}, sections)
	assert.NotEmpty(t, fields)
	assert.Equal(t, []string{"extra", "tell"}, plugins)

	sections, _, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, sections)
}

func TestGroupLogChatID(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{GroupLog: "-100123"}}
	assert.Equal(t, int64(-100123), cfg.GroupLogChatID())
	assert.Zero(t, (&Config{}).GroupLogChatID())
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram":{"token":"one"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":"two"}}`), 0o644))

	select {
	case got := <-sub:
		assert.Equal(t, "two", got.Telegram.Token)
		assert.Equal(t, "two", m.Get().Telegram.Token)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}

func TestWatchValidatorRejects(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram":{"token":"one"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })

	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"token":"two"}}`), 0o644))
	require.Error(t, m.reload(context.Background()))
	assert.Equal(t, "one", m.Get().Telegram.Token)
}

package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tellbot/internal/config"
	"tellbot/internal/eventbus"
	logx "tellbot/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		in      config.StorageConfig
		driver  string
		path    string
		busy    time.Duration
		wantErr bool
	}{
		{in: config.StorageConfig{}, driver: "sqlite", path: defaultStoragePath, busy: time.Second},
		{in: config.StorageConfig{Driver: "SQLite3", Path: " /tmp/t.db ", BusyTimeout: "3s"}, driver: "sqlite3", path: "/tmp/t.db", busy: 3 * time.Second},
		{in: config.StorageConfig{BusyTimeout: "later"}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := MapStorageConfig(&config.Config{Storage: tc.in})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("MapStorageConfig(%+v): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("MapStorageConfig(%+v): %v", tc.in, err)
		}
		if got.Driver != tc.driver || got.Path != tc.path || got.BusyTimeout != tc.busy {
			t.Fatalf("MapStorageConfig(%+v) = %+v", tc.in, got)
		}
	}
}

func TestMapAdapterAndLogConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.Token = "1:x"
	cfg.Telegram.RatePerSec = 5
	cfg.Logging.Level = "debug"
	cfg.Logging.Telegram.Enabled = true
	cfg.Logging.Telegram.MinLevel = "error"

	ad, err := mapAdapterConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, ad.PollTimeout)
	assert.Equal(t, float64(5), ad.RatePerSec)

	cfg.Telegram.PollTimeout = "nope"
	_, err = mapAdapterConfig(cfg)
	require.Error(t, err)

	lc := mapLogConfig(cfg)
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Chat.Enabled)
	assert.Equal(t, "error", lc.Chat.MinLevel)
}

type sdRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *sdRecorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *sdRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestNotifier(t *testing.T) {
	rec := &sdRecorder{}
	n := newNotifier(logx.Nop(), true)
	n.notify = rec.notify
	n.interval = func() (time.Duration, error) { return 20 * time.Millisecond, nil }

	n.Ready()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx, func() bool { return true }) }()

	require.Eventually(t, func() bool {
		return len(rec.get()) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	n.Stopping()

	states := rec.get()
	assert.Equal(t, daemon.SdNotifyReady, states[0])
	assert.Equal(t, daemon.SdNotifyWatchdog, states[1])
	assert.Equal(t, daemon.SdNotifyStopping, states[len(states)-1])
}

func TestNotifierDisabled(t *testing.T) {
	rec := &sdRecorder{}
	n := newNotifier(logx.Nop(), false)
	n.notify = rec.notify
	n.Ready()
	n.Stopping()
	require.NoError(t, n.Watchdog(context.Background(), nil))
	assert.Empty(t, rec.get())

	n = newNotifier(logx.Nop(), true)
	n.notify = rec.notify
	n.interval = func() (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") }
	require.NoError(t, n.Watchdog(context.Background(), nil), "watchdog errors are logged, not fatal")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewAppAndReload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tells.db")
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  owner_user_ids: [1]
logging:
  level: info
storage:
  path: `+dbPath+`
plugins:
  tell:
    enabled: true
`)

	a, err := NewApp(path, WithOffline())
	require.NoError(t, err)
	require.NotNil(t, a.Plugins())
	assert.Nil(t, a.Done())
	assert.NoError(t, a.Err())

	events, unsub := a.bus.Subscribe(4)
	defer unsub()

	next := *a.cfgm.Get()
	next.Telegram.OwnerUserIDs = []int64{1, 2}
	next.Scheduler.Enabled = true
	a.apply(context.Background(), a.cfgm.Get(), &next)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.TypeConfigApplied, ev.Type)
		assert.ElementsMatch(t, []string{"telegram", "scheduler"}, ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no config.applied event")
	}

	require.NoError(t, a.Stop(context.Background(), "test"))
	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file created")
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: loud\n")
	_, err := NewApp(path, WithOffline())
	require.Error(t, err)
}

func TestLatestCoalesces(t *testing.T) {
	sub := make(chan *config.Config, 3)
	a, b := &config.Config{}, &config.Config{}
	sub <- a
	sub <- nil
	sub <- b
	got := latest(sub, &config.Config{})
	assert.Same(t, b, got)
	assert.Empty(t, sub)
}

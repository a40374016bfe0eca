package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tellbot/pkg/logx"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		kind    Kind
		spec    string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: KindCron, spec: "*/5 * * * *"},
		{in: "@hourly", kind: KindCron, spec: "@hourly"},
		{in: "@every 1h", kind: KindInterval, spec: "@every 1h0m0s"},
		{in: "cron:0 3 * * *", kind: KindCron, spec: "0 3 * * *"},
		{in: "55m", kind: KindInterval, spec: "@every 55m0s"},
		{in: "02:30", kind: KindInterval, spec: "@every 2h30m0s"},
		{in: "every: 00:50", kind: KindInterval, spec: "@every 50m0s"},
		{in: "interval:10s", kind: KindInterval, spec: "@every 10s"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("Parse(%q) expected error, got %+v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q) unexpected error: %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Spec() != tc.spec {
			t.Fatalf("Parse(%q)=(%v,%q) want (%v,%q)", tc.in, got.Kind, got.Spec(), tc.kind, tc.spec)
		}
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	job := func(context.Context) error { return nil }

	require.Error(t, s.Add("", "1m", 0, job))
	require.Error(t, s.Add("x", "1m", 0, nil))
	require.Error(t, s.Add("x", "61 * * * *", 0, job))
	require.NoError(t, s.Add("x", "@every 1m", 0, job))
}

func TestIntervalJobRuns(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "tick", entries[0].Name)
	assert.False(t, entries[0].Next.IsZero())
}

func TestDisabledSchedulerDoesNotRun(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "1s", 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, runs.Load())
	assert.True(t, s.Entries()[0].Next.IsZero())

	s.Apply(Config{Enabled: true})
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestAddReplacesAndRemove(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	job := func(context.Context) error { return nil }

	require.NoError(t, s.Add("a", "1h", 0, job))
	require.NoError(t, s.Add("a", "2h", 0, job))
	require.NoError(t, s.Add("b", "@daily", 0, job))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "@every 2h0m0s", entries[0].Spec)

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Len(t, s.Entries(), 1)
}

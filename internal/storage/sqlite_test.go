package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tellbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTest(t *testing.T) (Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	st, err := Open(Config{Driver: "sqlite", Path: ":memory:", Clock: clk.Now}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func TestCreateNormalizesAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	st, _ := openTest(t)

	msg := "  héllo, wörld!  keep spacing "
	id, err := st.Create(ctx, "Alice", "#Chan", "BOB", msg)
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "bob", got.Recipient)
	assert.Equal(t, "#Chan", got.Channel)
	assert.Equal(t, msg, got.Message)
	assert.False(t, got.Sent)
	assert.True(t, got.SentAt.IsZero())
	assert.Equal(t, int64(1_700_000_000), got.CreatedAt.Unix())
}

func TestCreateRejectsEmpty(t *testing.T) {
	ctx := context.Background()
	st, _ := openTest(t)

	for _, tc := range [][4]string{
		{"alice", "#c", "bob", "   "},
		{"", "#c", "bob", "m"},
		{"alice", "", "bob", "m"},
		{"alice", "#c", "", "m"},
	} {
		_, err := st.Create(ctx, tc[0], tc[1], tc[2], tc[3])
		assert.ErrorIs(t, err, ErrInvalid, "%v", tc)
	}
}

func TestOrdering(t *testing.T) {
	ctx := context.Background()
	st, clk := openTest(t)

	a, _ := st.Create(ctx, "alice", "#c", "bob", "first")
	clk.Advance(time.Second)
	b, _ := st.Create(ctx, "alice", "#c", "bob", "second")
	// same second as b; creation order must still hold
	c, _ := st.Create(ctx, "alice", "#c", "bob", "third")

	pending, err := st.UnsentForRecipientInChannel(ctx, "BOB", "#c")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []int64{a, b, c}, []int64{pending[0].ID, pending[1].ID, pending[2].ID})

	mine, err := st.ListUnsentBySender(ctx, "Alice")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, []int64{c, b, a}, []int64{mine[0].ID, mine[1].ID, mine[2].ID})
}

func TestCountsAndChannelScoping(t *testing.T) {
	ctx := context.Background()
	st, _ := openTest(t)

	_, _ = st.Create(ctx, "alice", "#a", "bob", "1")
	_, _ = st.Create(ctx, "alice", "#b", "bob", "2")
	_, _ = st.Create(ctx, "carol", "#a", "bob", "3")
	id, _ := st.Create(ctx, "carol", "#a", "dave", "4")

	byRecipient, err := st.CountsUnsentByRecipient(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bob": 3, "dave": 1}, byRecipient)

	bySender, err := st.CountsBySender(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 2, "carol": 2}, bySender)

	perChannel, err := st.CountsForRecipientByChannel(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"#a": 2, "#b": 1}, perChannel)

	none, err := st.UnsentForRecipientInChannel(ctx, "bob", "#z")
	require.NoError(t, err)
	assert.Empty(t, none)

	ok, err := st.MarkSent(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	byRecipient, _ = st.CountsUnsentByRecipient(ctx)
	assert.Equal(t, map[string]int{"bob": 3}, byRecipient)
	bySender, _ = st.CountsBySender(ctx)
	assert.Equal(t, 2, bySender["carol"], "authored count includes sent tells")

	totals, err := st.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, Totals{Pending: 3, Sent: 1}, totals)
}

func TestMarkSentOnce(t *testing.T) {
	ctx := context.Background()
	st, clk := openTest(t)

	id, _ := st.Create(ctx, "alice", "#c", "bob", "m")
	clk.Advance(90 * time.Second)

	ok, err := st.MarkSent(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkSent(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := st.Get(ctx, id)
	assert.True(t, got.Sent)
	assert.Equal(t, int64(1_700_000_090), got.SentAt.Unix())
}

func TestRemoveOwnership(t *testing.T) {
	ctx := context.Background()
	st, _ := openTest(t)

	id, _ := st.Create(ctx, "alice", "#c", "bob", "m")

	assert.ErrorIs(t, st.Remove(ctx, "mallory", id), ErrNotFound)
	assert.ErrorIs(t, st.Remove(ctx, "alice", id+100), ErrNotFound)
	require.NoError(t, st.Remove(ctx, "ALICE", id))
	assert.ErrorIs(t, st.Remove(ctx, "alice", id), ErrNotFound)

	sent, _ := st.Create(ctx, "alice", "#c", "bob", "m2")
	_, _ = st.MarkSent(ctx, sent)
	assert.ErrorIs(t, st.Remove(ctx, "alice", sent), ErrNotFound)

	_, err := st.Get(ctx, id)
	assert.True(t, IsNotFound(err))
}

func TestRemovedIDsAreNotReused(t *testing.T) {
	ctx := context.Background()
	st, _ := openTest(t)

	first, err := st.Create(ctx, "alice", "#c", "bob", "one")
	require.NoError(t, err)
	require.NoError(t, st.Remove(ctx, "alice", first))

	next, err := st.Create(ctx, "alice", "#c", "carol", "two")
	require.NoError(t, err)
	assert.Greater(t, next, first)
	assert.ErrorIs(t, st.Remove(ctx, "alice", first), ErrNotFound)

	got, err := st.Get(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Recipient)
}

func TestOpenUpgradesLegacyIDs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE tells (
		id INTEGER PRIMARY KEY, sender VARCHAR(50) NOT NULL, channel VARCHAR(50) NOT NULL,
		recipient VARCHAR(50) NOT NULL, message TEXT NOT NULL, is_sent TINYINT(1) NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL, sent_ts INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tells (id, sender, channel, recipient, message, created_ts)
		VALUES (1, 'alice', '#c', 'bob', 'kept', 1700000000), (2, 'alice', '#c', 'bob', 'gone', 1700000001)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	kept, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "kept", kept.Message)

	require.NoError(t, st.Remove(ctx, "alice", 2))
	id, err := st.Create(ctx, "alice", "#c", "bob", "new")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id, "ids continue past the deleted maximum")

	counts, err := st.CountsUnsentByRecipient(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["bob"])
}

func TestReassignRecipientOnlyUnsent(t *testing.T) {
	ctx := context.Background()
	st, _ := openTest(t)

	a, _ := st.Create(ctx, "alice", "#c", "bobby", "1")
	_, _ = st.Create(ctx, "carol", "#c", "bobby", "2")
	sent, _ := st.Create(ctx, "carol", "#c", "bobby", "3")
	_, _ = st.MarkSent(ctx, sent)

	n, err := st.ReassignRecipient(ctx, "Bobby", "Bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, _ := st.Get(ctx, a)
	assert.Equal(t, "bob", got.Recipient)
	old, _ := st.Get(ctx, sent)
	assert.Equal(t, "bobby", old.Recipient)
}

func TestClosedStore(t *testing.T) {
	st, _ := openTest(t)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err := st.Create(context.Background(), "a", "#c", "b", "m")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenFileDatabaseIsDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tells.db")

	st, err := Open(Config{Path: path, BusyTimeout: 2 * time.Second}, logx.Nop())
	require.NoError(t, err)
	id, err := st.Create(ctx, "alice", "#c", "bob", "persist me")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Message)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.ErrorIs(t, err, ErrInvalid)
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "tellbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const tellColumns = `id, sender, channel, recipient, message, is_sent, created_ts, sent_ts`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	now    func() time.Time
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalid)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	st := &sqliteStore{db: db, log: log, now: now}
	upgraded, err := upgradeAutoincrement(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: upgrade ids: %w", err)
	}
	if upgraded {
		log.Info("tells table rebuilt with AUTOINCREMENT ids")
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// upgradeAutoincrement rebuilds a tells table from before ids were
// AUTOINCREMENT. Without it SQLite reuses the highest id once that row is
// deleted, and a later tellrm could hit someone else's tell. The copy keeps
// every id, which also seeds sqlite_sequence. Indexes are recreated by the
// migration that follows.
func upgradeAutoincrement(db *sql.DB) (bool, error) {
	var ddl string
	err := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'tells'`).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if strings.Contains(strings.ToUpper(ddl), "AUTOINCREMENT") {
		return false, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	stmts := []string{
		`CREATE TABLE tells_next (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sender     VARCHAR(50) NOT NULL,
			channel    VARCHAR(50) NOT NULL,
			recipient  VARCHAR(50) NOT NULL,
			message    TEXT NOT NULL,
			is_sent    TINYINT(1) NOT NULL DEFAULT 0,
			created_ts INTEGER NOT NULL,
			sent_ts    INTEGER
		)`,
		`INSERT INTO tells_next (` + tellColumns + `) SELECT ` + tellColumns + ` FROM tells`,
		`DROP TABLE tells`,
		`ALTER TABLE tells_next RENAME TO tells`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (s *sqliteStore) Create(ctx context.Context, sender, channel, recipient, message string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	sender, recipient = normalize(sender), normalize(recipient)
	switch {
	case sender == "":
		return 0, fmt.Errorf("%w: empty sender", ErrInvalid)
	case recipient == "":
		return 0, fmt.Errorf("%w: empty recipient", ErrInvalid)
	case strings.TrimSpace(channel) == "":
		return 0, fmt.Errorf("%w: empty channel", ErrInvalid)
	case strings.TrimSpace(message) == "":
		return 0, fmt.Errorf("%w: empty message", ErrInvalid)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tells(sender, channel, recipient, message, is_sent, created_ts) VALUES(?,?,?,?,0,?)`,
		sender, channel, recipient, message, s.now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: create tell: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Tell, error) {
	if err := s.ready(); err != nil {
		return Tell{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+tellColumns+` FROM tells WHERE id = ?`, id)
	if err != nil {
		return Tell{}, fmt.Errorf("storage: get tell: %w", err)
	}
	out, err := scanTells(rows)
	if err != nil {
		return Tell{}, err
	}
	if len(out) == 0 {
		return Tell{}, ErrNotFound
	}
	return out[0], nil
}

func (s *sqliteStore) ListUnsentBySender(ctx context.Context, sender string) ([]Tell, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tellColumns+` FROM tells WHERE sender = ? AND is_sent = 0 ORDER BY created_ts DESC, id DESC`,
		normalize(sender),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list by sender: %w", err)
	}
	return scanTells(rows)
}

func (s *sqliteStore) UnsentForRecipientInChannel(ctx context.Context, recipient, channel string) ([]Tell, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tellColumns+` FROM tells WHERE recipient = ? AND channel = ? AND is_sent = 0 ORDER BY created_ts ASC, id ASC`,
		normalize(recipient), channel,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list for recipient: %w", err)
	}
	return scanTells(rows)
}

func (s *sqliteStore) CountsUnsentByRecipient(ctx context.Context) (map[string]int, error) {
	return s.counts(ctx, `SELECT recipient, COUNT(*) FROM tells WHERE is_sent = 0 GROUP BY recipient`)
}

func (s *sqliteStore) CountsBySender(ctx context.Context) (map[string]int, error) {
	return s.counts(ctx, `SELECT sender, COUNT(*) FROM tells GROUP BY sender`)
}

func (s *sqliteStore) CountsForRecipientByChannel(ctx context.Context, recipient string) (map[string]int, error) {
	return s.counts(ctx,
		`SELECT channel, COUNT(*) FROM tells WHERE recipient = ? AND is_sent = 0 GROUP BY channel`,
		normalize(recipient),
	)
}

func (s *sqliteStore) counts(ctx context.Context, q string, args ...any) (map[string]int, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("storage: counts scan: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id int64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tells SET is_sent = 1, sent_ts = ? WHERE id = ? AND is_sent = 0`,
		s.now().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Remove(ctx context.Context, sender string, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tells WHERE id = ? AND sender = ? AND is_sent = 0`,
		id, normalize(sender),
	)
	if err != nil {
		return fmt.Errorf("storage: remove tell: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ReassignRecipient(ctx context.Context, from, to string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	from, to = normalize(from), normalize(to)
	if from == "" || to == "" {
		return 0, fmt.Errorf("%w: empty recipient", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tells SET recipient = ? WHERE recipient = ? AND is_sent = 0`,
		to, from,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reassign: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Totals(ctx context.Context) (Totals, error) {
	if err := s.ready(); err != nil {
		return Totals{}, err
	}
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN is_sent = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN is_sent = 1 THEN 1 ELSE 0 END), 0)
		   FROM tells`,
	).Scan(&t.Pending, &t.Sent)
	if err != nil {
		return Totals{}, fmt.Errorf("storage: totals: %w", err)
	}
	return t, nil
}

func scanTells(rows *sql.Rows) ([]Tell, error) {
	defer rows.Close()
	var out []Tell
	for rows.Next() {
		var (
			t       Tell
			sent    int
			created int64
			sentTS  sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.Sender, &t.Channel, &t.Recipient, &t.Message, &sent, &created, &sentTS); err != nil {
			return nil, fmt.Errorf("storage: scan tell: %w", err)
		}
		t.Sent = sent != 0
		t.CreatedAt = time.Unix(created, 0)
		if sentTS.Valid {
			t.SentAt = time.Unix(sentTS.Int64, 0)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

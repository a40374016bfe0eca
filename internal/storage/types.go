package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrInvalid  = errors.New("storage: invalid argument")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file via modernc.org/sqlite
//
// Path ":memory:" opens a private in-memory database.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default

	// Clock overrides time.Now for created/sent timestamps.
	Clock func() time.Time
}

// Tell is one deferred message.
//
// Sender and Recipient are stored lowercased. SentAt is zero while unsent.
type Tell struct {
	ID        int64
	Sender    string
	Channel   string
	Recipient string
	Message   string
	Sent      bool
	CreatedAt time.Time
	SentAt    time.Time
}

// Totals is a whole-table summary used by operational tooling.
type Totals struct {
	Pending int
	Sent    int
}

// Store persists tells. Every method is individually atomic.
type Store interface {
	Create(ctx context.Context, sender, channel, recipient, message string) (int64, error)
	Get(ctx context.Context, id int64) (Tell, error)

	// ListUnsentBySender returns the sender's unsent tells, newest first.
	ListUnsentBySender(ctx context.Context, sender string) ([]Tell, error)
	CountsUnsentByRecipient(ctx context.Context) (map[string]int, error)
	CountsBySender(ctx context.Context) (map[string]int, error)
	CountsForRecipientByChannel(ctx context.Context, recipient string) (map[string]int, error)
	// UnsentForRecipientInChannel returns pending tells for recipient in channel, oldest first.
	UnsentForRecipientInChannel(ctx context.Context, recipient, channel string) ([]Tell, error)

	// MarkSent flips an unsent tell to sent and reports whether this call did it.
	MarkSent(ctx context.Context, id int64) (bool, error)
	// Remove deletes an unsent tell owned by sender, or returns ErrNotFound.
	Remove(ctx context.Context, sender string, id int64) error
	// ReassignRecipient moves every unsent tell from one recipient to another.
	ReassignRecipient(ctx context.Context, from, to string) (int64, error)

	Totals(ctx context.Context) (Totals, error)
	Close() error
}

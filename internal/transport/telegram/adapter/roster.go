package adapter

import (
	"sync"
	"time"
)

// Roster remembers which identities were observed in which chats. Telegram
// has no "list members" call for bots, so presence is built from what the bot
// sees: messages, joins and leaves.
type Roster struct {
	mu    sync.RWMutex
	chats map[int64]*rosterChat
	users map[string]int64
}

type rosterChat struct {
	title   string
	members map[string]time.Time
}

func NewRoster() *Roster {
	return &Roster{chats: map[int64]*rosterChat{}, users: map[string]int64{}}
}

// Seen records identity as present in chatID. A zero chatID only records the
// identity's user id.
func (r *Roster) Seen(chatID int64, title, identity string, userID int64, at time.Time) {
	if identity == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if userID != 0 {
		r.users[identity] = userID
	}
	if chatID == 0 {
		return
	}
	c := r.chats[chatID]
	if c == nil {
		c = &rosterChat{members: map[string]time.Time{}}
		r.chats[chatID] = c
	}
	if title != "" {
		c.title = title
	}
	c.members[identity] = at
}

func (r *Roster) Left(chatID int64, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.chats[chatID]; c != nil {
		delete(c.members, identity)
	}
}

func (r *Roster) Has(chatID int64, identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.chats[chatID]
	if c == nil {
		return false
	}
	_, ok := c.members[identity]
	return ok
}

func (r *Roster) Title(chatID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.chats[chatID]; c != nil {
		return c.title
	}
	return ""
}

func (r *Roster) UserID(identity string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.users[identity]
	return id, ok
}

// Size returns the number of chats and known users.
func (r *Roster) Size() (chats, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats), len(r.users)
}

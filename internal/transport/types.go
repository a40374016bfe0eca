package transport

import (
	"context"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateJoin    UpdateKind = "join"
	UpdateLeave   UpdateKind = "leave"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Member  *Member
}

type Message struct {
	ID        int
	ChatID    int64
	ThreadID  int // forum topic thread id (0 if none)
	ChatTitle string
	IsPrivate bool

	FromID       int64
	FromUsername string
	FromName     string
	FromBot      bool
	Text         string
}

// Member is a join or leave observed in a chat.
type Member struct {
	ChatID    int64
	ChatTitle string
	UserID    int64
	Username  string
	Name      string
	IsBot     bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Directory answers who is where. Adapters that track chat membership
// implement it.
type Directory interface {
	// IsMember reports whether identity is currently in chatID.
	IsMember(ctx context.Context, chatID int64, identity string) (bool, error)
	// ChatTitle returns a display name for chatID, or "" if unknown.
	ChatTitle(chatID int64) string
	// UserID resolves an identity to a user id usable as a private chat id.
	UserID(identity string) (int64, bool)
	// Self is the bot's own identity.
	Self() string
}

// BotCommand is one entry of a platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters with a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// Identity is the normalized handle of a user: the lowercased username, or
// "id<user id>" for users without one.
func Identity(username string, userID int64) string {
	if u := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@")); u != "" {
		return u
	}
	if userID == 0 {
		return ""
	}
	return "id" + strconv.FormatInt(userID, 10)
}

// ChannelID renders a chat id the way tells store it.
func ChannelID(chatID int64) string { return strconv.FormatInt(chatID, 10) }

// ParseChannelID is the inverse of ChannelID.
func ParseChannelID(channel string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(channel), 10, 64)
}

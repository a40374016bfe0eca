package router

import (
	"context"
	"time"

	kit "tellbot/internal/transport"
	logx "tellbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is the command word without the leading slash, e.g. "tell".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	PluginName string
	Timeout    time.Duration
	Handle     HandlerFunc
}

// Request is one routed command invocation.
type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget

	FromID       int64
	FromIdentity string
	FromName     string
	ChatTitle    string
	Private      bool

	Command string
	// Args are the whitespace-separated arguments.
	Args []string
	// Text is everything after the command word, as typed.
	Text  string
	ReqID string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat (and topic) the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r == nil || r.Adapter == nil || text == "" {
		return nil
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

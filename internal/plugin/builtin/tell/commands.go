package tell

import (
	"context"
	"errors"

	core "tellbot/internal/plugin"
	tellsvc "tellbot/internal/tell"
	kit "tellbot/internal/transport"
	logx "tellbot/pkg/logx"
)

type action func(ctx context.Context, inv tellsvc.Invocation) (string, error)

func (p *Plugin) Commands() []core.Command {
	return []core.Command{
		{
			Route:       "tell",
			Description: "leave a message for someone who is away",
			Usage:       "/tell <recipient> <message>",
			Access:      core.AccessEveryone,
			Handle:      p.handle(p.svc.Tell),
		},
		{
			Route:       "telllist",
			Aliases:     []string{"tells"},
			Description: "list your undelivered tells",
			Usage:       "/telllist",
			Access:      core.AccessEveryone,
			Handle:      p.handle(p.svc.List),
		},
		{
			Route:       "tellrm",
			Description: "remove one of your undelivered tells",
			Usage:       "/tellrm <id>",
			Access:      core.AccessEveryone,
			Handle:      p.handle(p.svc.Remove),
		},
		{
			Route:       "tellstatus",
			Description: "pending tells per recipient",
			Usage:       "/tellstatus",
			Access:      core.AccessEveryone,
			Handle:      p.handle(p.svc.Status),
		},
		{
			Route:       "tellmod",
			Description: "move pending tells from one recipient to another",
			Usage:       "/tellmod <old> <new>",
			Access:      core.AccessOwnerOnly,
			Handle:      p.handle(p.svc.Reassign),
		},
		{
			Route:       "tellupdate",
			Description: "rebuild tell counters from storage",
			Usage:       "/tellupdate",
			Access:      core.AccessOwnerOnly,
			Handle:      p.handle(p.svc.Update),
		},
	}
}

// handle adapts a service command to the router. Failures are answered with
// the user-facing reply; storage failures are also logged.
func (p *Plugin) handle(fn action) core.HandlerFunc {
	return func(ctx context.Context, req *core.Request) error {
		reply, err := fn(ctx, invocation(req))
		if err != nil {
			var se *tellsvc.StorageError
			if errors.As(err, &se) {
				req.Logger.Error("tell command failed", logx.String("op", se.Op), logx.Err(se.Err))
			}
			reply = tellsvc.ReplyFor(err)
		}
		return req.Reply(ctx, reply)
	}
}

func invocation(req *core.Request) tellsvc.Invocation {
	inv := tellsvc.Invocation{
		Sender:     req.FromIdentity,
		SenderName: req.FromName,
		Private:    req.Private,
		Text:       req.Text,
	}
	if !req.Private {
		inv.Channel = kit.ChannelID(req.Chat.ChatID)
	}
	return inv
}

package tell

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tellsvc "tellbot/internal/tell"
	kit "tellbot/internal/transport"
)

// network implements the tell engine's ports on top of a chat adapter and
// its membership directory.
type network struct {
	adapter kit.Adapter
	dir     kit.Directory
}

func (n network) target(dest tellsvc.Destination) (kit.ChatTarget, error) {
	switch dest.Kind {
	case tellsvc.DestChannel:
		id, err := kit.ParseChannelID(dest.Name)
		if err != nil {
			return kit.ChatTarget{}, err
		}
		return kit.ChatTarget{ChatID: id}, nil
	default:
		id, ok := n.userID(dest.Name)
		if !ok {
			return kit.ChatTarget{}, fmt.Errorf("no private chat known for %q", dest.Name)
		}
		return kit.ChatTarget{ChatID: id}, nil
	}
}

// userID resolves an identity, including the "id<user id>" form used for
// users without a username.
func (n network) userID(identity string) (int64, bool) {
	if id, ok := n.dir.UserID(identity); ok {
		return id, true
	}
	if rest, ok := strings.CutPrefix(identity, "id"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func (n network) Emit(ctx context.Context, dest tellsvc.Destination, text string) error {
	to, err := n.target(dest)
	if err != nil {
		return err
	}
	_, err = n.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// EmitLines sends lines as one message; the adapter splits it when it is too
// long for a single send.
func (n network) EmitLines(ctx context.Context, dest tellsvc.Destination, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return n.Emit(ctx, dest, strings.Join(lines, "\n"))
}

func (n network) IsPresent(ctx context.Context, channel, identity string) (bool, error) {
	id, err := kit.ParseChannelID(channel)
	if err != nil {
		return false, err
	}
	return n.dir.IsMember(ctx, id, identity)
}

func (n network) Resolve(name string) (tellsvc.Destination, bool) {
	if _, err := kit.ParseChannelID(name); err == nil {
		return tellsvc.Channel(name), true
	}
	if _, ok := n.userID(name); ok {
		return tellsvc.User(name), true
	}
	return tellsvc.Destination{}, false
}

func (n network) Label(channel string) string {
	id, err := kit.ParseChannelID(channel)
	if err != nil {
		return channel
	}
	if t := n.dir.ChatTitle(id); t != "" {
		return t
	}
	return channel
}

func (n network) Self() string { return n.dir.Self() }

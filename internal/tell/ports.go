package tell

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
)

// DestKind says whether a Destination is a shared channel or a single user.
type DestKind int

const (
	DestChannel DestKind = iota
	DestUser
)

func (k DestKind) String() string {
	if k == DestUser {
		return "user"
	}
	return "channel"
}

// Destination is where an emitted line goes. Name is a channel id for
// DestChannel and a normalized identity for DestUser.
type Destination struct {
	Kind DestKind
	Name string
}

func Channel(name string) Destination { return Destination{Kind: DestChannel, Name: name} }
func User(identity string) Destination { return Destination{Kind: DestUser, Name: identity} }

// Emitter sends text into the chat network.
type Emitter interface {
	Emit(ctx context.Context, dest Destination, text string) error
}

// BatchEmitter is implemented by emitters that can deliver several lines as
// one outbound message. List and status output use it when available.
type BatchEmitter interface {
	EmitLines(ctx context.Context, dest Destination, lines []string) error
}

// Presence answers whether an identity is currently in a channel.
type Presence interface {
	IsPresent(ctx context.Context, channel, identity string) (bool, error)
}

// Resolver maps names onto the chat network.
type Resolver interface {
	// Resolve turns a bare identity or channel name into a sendable
	// destination. ok is false when the name cannot be reached.
	Resolve(name string) (dest Destination, ok bool)
	// Label is the human label of a stored channel id.
	Label(channel string) string
}

// Identity reports the service's own normalized identity.
type Identity interface {
	Self() string
}

// TimeFormat renders a creation time relative to now ("3 minutes ago").
type TimeFormat func(time.Time) string

// HumanizeTime is the default TimeFormat.
func HumanizeTime(t time.Time) string { return humanize.Time(t) }

// StaticIdentity is an Identity with a fixed value.
type StaticIdentity string

func (s StaticIdentity) Self() string { return normalizeIdentity(string(s)) }

type identityResolver struct{}

func (identityResolver) Resolve(name string) (Destination, bool) {
	if id := normalizeIdentity(name); id != "" {
		return User(id), true
	}
	return Destination{}, false
}

func (identityResolver) Label(channel string) string { return channel }

package tell

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"tellbot/internal/storage"
	logx "tellbot/pkg/logx"
)

const DefaultMaxListMessage = 40

// Options wires a Service to its collaborators. Store, Emitter and Presence
// are required.
type Options struct {
	Store    storage.Store
	Emitter  Emitter
	Presence Presence
	Resolver Resolver
	Identity Identity
	Format   TimeFormat

	// NudgeCooldown suppresses repeated "please join" messages for the same
	// recipient and channel. Zero disables it.
	NudgeCooldown  time.Duration
	MaxListMessage int

	Clock func() time.Time
	Log   logx.Logger
}

// Service owns the counter cache and runs commands and deliveries against the
// store. A single mutex serializes every store call with the cache update
// that follows it; it is never held across an emit or a presence lookup.
type Service struct {
	store    storage.Store
	emit     Emitter
	presence Presence
	resolver Resolver
	self     Identity
	format   TimeFormat
	now      func() time.Time
	log      logx.Logger

	mu       sync.Mutex
	cache    *counters
	nudged   map[nudgeKey]time.Time
	cooldown time.Duration
	maxMsg   int

	flight  singleflight.Group
	stopped atomic.Bool
}

type nudgeKey struct {
	recipient string
	channel   string
}

func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("tell: store is required")
	case opts.Emitter == nil:
		return nil, errors.New("tell: emitter is required")
	case opts.Presence == nil:
		return nil, errors.New("tell: presence is required")
	}
	s := &Service{
		store:    opts.Store,
		emit:     opts.Emitter,
		presence: opts.Presence,
		resolver: opts.Resolver,
		self:     opts.Identity,
		format:   opts.Format,
		now:      opts.Clock,
		log:      opts.Log,
		cache:    newCounters(),
		nudged:   map[nudgeKey]time.Time{},
		cooldown: opts.NudgeCooldown,
		maxMsg:   opts.MaxListMessage,
	}
	if s.resolver == nil {
		s.resolver = identityResolver{}
	}
	if s.self == nil {
		s.self = StaticIdentity("")
	}
	if s.format == nil {
		s.format = HumanizeTime
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.maxMsg <= 0 {
		s.maxMsg = DefaultMaxListMessage
	}
	s.log = s.log.With(logx.String("comp", "tell"))
	return s, nil
}

// Start loads the counter cache. Commands and deliveries should not be
// routed to the service before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.stopped.Store(false)
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	unsent, authored := s.Counts()
	s.log.Info("tell service started",
		logx.Int("recipients", len(unsent)),
		logx.Int("senders", len(authored)),
	)
	return nil
}

// Stop makes later presence signals no-ops. It does not close the store.
func (s *Service) Stop() {
	s.stopped.Store(true)
}

// SetNudgeCooldown and SetMaxListMessage apply hot config changes.
func (s *Service) SetNudgeCooldown(d time.Duration) {
	s.mu.Lock()
	s.cooldown = d
	s.mu.Unlock()
}

func (s *Service) SetMaxListMessage(n int) {
	if n <= 0 {
		n = DefaultMaxListMessage
	}
	s.mu.Lock()
	s.maxMsg = n
	s.mu.Unlock()
}

// Refresh rebuilds both counter maps from the store. Calling it repeatedly
// without intervening writes yields the same cache.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unsent, err := s.store.CountsUnsentByRecipient(ctx)
	if err != nil {
		return storageErr("refresh unsent counts", err)
	}
	authored, err := s.store.CountsBySender(ctx)
	if err != nil {
		return storageErr("refresh author counts", err)
	}
	s.cache.replace(unsent, authored)
	s.pruneNudgesLocked()
	s.log.Debug("counter cache refreshed", logx.Int("recipients", len(unsent)))
	return nil
}

// Counts returns copies of the cached unsent-per-recipient and
// authored-per-sender maps.
func (s *Service) Counts() (unsent, authored map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.cache.unsent), maps.Clone(s.cache.authored)
}

func (s *Service) pending(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.pending(identity)
}

func (s *Service) pruneNudgesLocked() {
	if s.cooldown <= 0 {
		clear(s.nudged)
		return
	}
	now := s.now()
	for k, at := range s.nudged {
		if now.Sub(at) >= s.cooldown {
			delete(s.nudged, k)
		}
	}
}

func (s *Service) isSelf(identity string) bool {
	self := s.self.Self()
	return self != "" && identity == self
}

// normalizeIdentity lowercases and trims an identity and drops a leading
// mention marker.
func normalizeIdentity(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

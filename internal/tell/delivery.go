package tell

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"tellbot/internal/storage"
	logx "tellbot/pkg/logx"
)

// OnPresence is the presence signal for identity: it was seen speaking,
// joining, or otherwise present. Pending tells are delivered in every channel
// where the identity is present; for the others it is nudged to join.
//
// Concurrent calls for the same identity share one delivery run.
func (s *Service) OnPresence(ctx context.Context, identity string) error {
	if s.stopped.Load() {
		return nil
	}
	id := normalizeIdentity(identity)
	if id == "" || s.isSelf(id) {
		return nil
	}
	if s.pending(id) <= 0 {
		return nil
	}
	_, err, _ := s.flight.Do(id, func() (any, error) {
		return nil, s.deliver(ctx, id)
	})
	return err
}

func (s *Service) deliver(ctx context.Context, recipient string) error {
	log := s.log.With(logx.String("recipient", recipient))

	s.mu.Lock()
	perChannel, err := s.store.CountsForRecipientByChannel(ctx, recipient)
	s.mu.Unlock()
	if err != nil {
		return storageErr("channel counts", err)
	}

	channels := lo.Keys(perChannel)
	slices.Sort(channels)
	for _, ch := range channels {
		if perChannel[ch] <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		present, err := s.presence.IsPresent(ctx, ch, recipient)
		if err != nil {
			log.Warn("presence lookup failed", logx.String("channel", ch), logx.Err(err))
			present = false
		}
		if !present {
			s.nudge(ctx, log, recipient, ch)
			continue
		}
		if err := s.deliverChannel(ctx, log, recipient, ch); err != nil {
			return err
		}
	}

	if s.pending(recipient) < 0 {
		log.Warn("unsent counter went negative; refreshing")
		return s.Refresh(ctx)
	}
	return nil
}

// deliverChannel emits the recipient's pending tells for one channel oldest
// first. An emit failure stops the channel so later tells never overtake an
// earlier one; the failed tell stays pending.
func (s *Service) deliverChannel(ctx context.Context, log logx.Logger, recipient, channel string) error {
	s.mu.Lock()
	tells, err := s.store.UnsentForRecipientInChannel(ctx, recipient, channel)
	s.mu.Unlock()
	if err != nil {
		return storageErr("pending tells", err)
	}

	for _, t := range tells {
		if err := s.emit.Emit(ctx, Channel(channel), s.deliveryLine(t)); err != nil {
			log.Warn("deliver tell failed",
				logx.Int64("id", t.ID),
				logx.String("channel", channel),
				logx.Err(err),
			)
			return nil
		}

		s.mu.Lock()
		ok, err := s.store.MarkSent(ctx, t.ID)
		if err == nil && ok {
			s.cache.delivered(recipient)
		}
		s.mu.Unlock()
		if err != nil {
			return storageErr("mark sent", err)
		}
		if !ok {
			log.Debug("tell already marked sent", logx.Int64("id", t.ID))
			continue
		}
		log.Info("tell delivered", logx.Int64("id", t.ID), logx.String("channel", channel))
	}
	return nil
}

func (s *Service) nudge(ctx context.Context, log logx.Logger, recipient, channel string) {
	dest, ok := s.resolver.Resolve(recipient)
	if !ok {
		log.Debug("nudge skipped, recipient unreachable", logx.String("channel", channel))
		return
	}
	key := nudgeKey{recipient: recipient, channel: channel}

	s.mu.Lock()
	if s.cooldown > 0 {
		if at, ok := s.nudged[key]; ok && s.now().Sub(at) < s.cooldown {
			s.mu.Unlock()
			return
		}
		s.nudged[key] = s.now()
	}
	s.mu.Unlock()

	text := fmt.Sprintf("Please join %s. I have unsent tells awaiting your presence.", s.resolver.Label(channel))
	if err := s.emit.Emit(ctx, dest, text); err != nil {
		log.Warn("nudge failed", logx.String("channel", channel), logx.Err(err))
		s.mu.Lock()
		delete(s.nudged, key)
		s.mu.Unlock()
	}
}

// deliveryLine formats "<recipient>: (from: <sender>, <when>) <message>".
func (s *Service) deliveryLine(t storage.Tell) string {
	return fmt.Sprintf("%s: (from: %s, %s) %s", t.Recipient, t.Sender, s.format(t.CreatedAt), t.Message)
}

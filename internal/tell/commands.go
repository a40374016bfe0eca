package tell

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"tellbot/internal/storage"
	logx "tellbot/pkg/logx"
)

const (
	usageTell    = "Usage: /tell <recipient> <message>"
	usageRemove  = "Usage: /tellrm <id>"
	usageModify  = "Usage: /tellmod <old> <new>"
	replyPrivate = "Tells can only be left in public channels."
)

// Invocation is one command call as seen by the service.
type Invocation struct {
	// Sender is the caller's identity; it is normalized before use.
	Sender string
	// SenderName is how replies address the caller. Defaults to Sender.
	SenderName string
	Channel    string
	Private    bool
	// Text is everything after the command word, unmodified.
	Text string
}

func (inv Invocation) name() string {
	if n := strings.TrimSpace(inv.SenderName); n != "" {
		return n
	}
	return inv.Sender
}

// replyTo is where list and status output goes.
func (inv Invocation) replyTo() Destination {
	if inv.Private || strings.TrimSpace(inv.Channel) == "" {
		return User(normalizeIdentity(inv.Sender))
	}
	return Channel(inv.Channel)
}

// Tell stores a message for a recipient.
func (s *Service) Tell(ctx context.Context, inv Invocation) (string, error) {
	if inv.Private {
		return "", &ValidationError{Reply: replyPrivate}
	}
	tok, message, ok := splitFirst(inv.Text)
	if !ok {
		return "", &ValidationError{Reply: usageTell}
	}
	recipient := cleanRecipient(tok)
	if recipient == "" {
		return "", &ValidationError{Reply: usageTell}
	}
	if strings.TrimSpace(message) == "" {
		return "", &ValidationError{Reply: fmt.Sprintf("Tell has no message. I do apologize, but I'm going to ignore it, %s.", inv.name())}
	}
	if s.isSelf(recipient) {
		return "", &ValidationError{Reply: fmt.Sprintf("Thanks for wanting to leave me a tell, %s, but why not just tell me now?", inv.name())}
	}
	sender := normalizeIdentity(inv.Sender)

	s.mu.Lock()
	id, err := s.store.Create(ctx, sender, inv.Channel, recipient, message)
	if err == nil {
		s.cache.created(sender, recipient)
	}
	s.mu.Unlock()
	if err != nil {
		return "", storageErr("create", err)
	}

	s.log.Info("tell stored",
		logx.Int64("id", id),
		logx.String("sender", sender),
		logx.String("recipient", recipient),
		logx.String("channel", inv.Channel),
	)
	return fmt.Sprintf("Ok, %s. Message stored.", inv.name()), nil
}

// List emits the caller's unsent tells, newest first.
func (s *Service) List(ctx context.Context, inv Invocation) (string, error) {
	sender := normalizeIdentity(inv.Sender)

	s.mu.Lock()
	tells, err := s.store.ListUnsentBySender(ctx, sender)
	authored := s.cache.hasAuthored(sender)
	maxMsg := s.maxMsg
	s.mu.Unlock()
	if err != nil {
		return "", storageErr("list", err)
	}

	if len(tells) == 0 {
		if authored {
			return fmt.Sprintf("None of your tells are unsent, %s", inv.name()), nil
		}
		return fmt.Sprintf("You have not left a tell yet, %s", inv.name()), nil
	}

	lines := make([]string, 0, len(tells)+1)
	lines = append(lines, listHeader())
	for _, t := range tells {
		lines = append(lines, s.listRow(t, maxMsg))
	}
	if err := s.emitLines(ctx, inv.replyTo(), lines); err != nil {
		return "", err
	}
	return fmt.Sprintf("That is all of your waiting tells, %s", inv.name()), nil
}

// Remove deletes one of the caller's unsent tells.
func (s *Service) Remove(ctx context.Context, inv Invocation) (string, error) {
	tok, _, ok := splitFirst(inv.Text)
	if !ok {
		return "", &ValidationError{Reply: usageRemove}
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(tok, "#"), 10, 64)
	if err != nil || id <= 0 {
		return "", &ValidationError{Reply: replyNotFound}
	}
	sender := normalizeIdentity(inv.Sender)

	s.mu.Lock()
	var t storage.Tell
	t, err = s.store.Get(ctx, id)
	if err == nil {
		err = s.store.Remove(ctx, sender, id)
	}
	drift := err == nil && s.cache.removed(sender, t.Recipient)
	s.mu.Unlock()
	switch {
	case storage.IsNotFound(err):
		return "", &NotFoundError{ID: id}
	case err != nil:
		return "", storageErr("remove", err)
	}
	if drift {
		s.log.Warn("unsent counter went negative on remove; refreshing", logx.String("recipient", t.Recipient))
		if err := s.Refresh(ctx); err != nil {
			s.log.Error("counter refresh failed", logx.Err(err))
		}
	}

	s.log.Info("tell removed", logx.Int64("id", id), logx.String("sender", sender))
	return fmt.Sprintf("Removed: %d.", id), nil
}

// Status refreshes the cache and emits pending counts per recipient.
func (s *Service) Status(ctx context.Context, inv Invocation) (string, error) {
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	counts := s.cache.snapshot()
	s.mu.Unlock()

	if len(counts) == 0 {
		return fmt.Sprintf("There are no tells waiting for anyone, %s", inv.name()), nil
	}
	if err := s.emitLines(ctx, inv.replyTo(), statusLines(counts)); err != nil {
		return "", err
	}
	return fmt.Sprintf("That is all of the waiting tells, %s", inv.name()), nil
}

// Reassign moves every unsent tell from one recipient to another and
// rebuilds the cache. Callers restrict it to operators.
func (s *Service) Reassign(ctx context.Context, inv Invocation) (string, error) {
	fields := strings.Fields(inv.Text)
	if len(fields) < 2 {
		return "", &ValidationError{Reply: usageModify}
	}
	from, to := cleanRecipient(fields[0]), cleanRecipient(fields[1])
	if from == "" || to == "" {
		return "", &ValidationError{Reply: usageModify}
	}

	s.mu.Lock()
	n, err := s.store.ReassignRecipient(ctx, from, to)
	s.mu.Unlock()
	if err != nil {
		return "", storageErr("reassign", err)
	}
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}

	s.log.Info("tells reassigned",
		logx.String("from", from),
		logx.String("to", to),
		logx.Int64("rows", n),
	)
	return "Modification completed. Verify with /tellstatus.", nil
}

// Update rebuilds the counter cache on request.
func (s *Service) Update(ctx context.Context, _ Invocation) (string, error) {
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}
	return "Updated", nil
}

func (s *Service) emitLines(ctx context.Context, dest Destination, lines []string) error {
	if be, ok := s.emit.(BatchEmitter); ok {
		if err := be.EmitLines(ctx, dest, lines); err != nil {
			return fmt.Errorf("tell: emit: %w", err)
		}
		return nil
	}
	for _, l := range lines {
		if err := s.emit.Emit(ctx, dest, l); err != nil {
			return fmt.Errorf("tell: emit: %w", err)
		}
	}
	return nil
}

// splitFirst cuts the first whitespace-delimited token from text. The rest
// is returned as written, minus the single separator.
func splitFirst(text string) (first, rest string, ok bool) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if text == "" {
		return "", "", false
	}
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, "", true
	}
	_, size := utf8.DecodeRuneInString(text[i:])
	return text[:i], text[i+size:], true
}

// cleanRecipient normalizes a recipient token: drops a leading "@" and one
// trailing ",", ":" or ";".
func cleanRecipient(tok string) string {
	tok = strings.TrimSpace(tok)
	if n := len(tok); n > 0 && strings.ContainsRune(",:;", rune(tok[n-1])) {
		tok = tok[:n-1]
	}
	return normalizeIdentity(tok)
}

package tell

import (
	"fmt"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/samber/lo"

	"tellbot/internal/storage"
)

func listHeader() string {
	return fmt.Sprintf("%-5s | %-15s | %-15s | %-20s | %s", "ID", "Recipient", "Channel", "When", "Message")
}

func (s *Service) listRow(t storage.Tell, maxMsg int) string {
	return fmt.Sprintf("%5d | %-15s | %-15s | %-20s | %s",
		t.ID,
		t.Recipient,
		s.resolver.Label(t.Channel),
		s.format(t.CreatedAt),
		truncateRunes(t.Message, maxMsg),
	)
}

// statusLines renders the "Who | Count" table sorted by recipient.
func statusLines(counts map[string]int) []string {
	who := lo.Keys(counts)
	slices.Sort(who)
	rows := lo.Map(who, func(r string, _ int) string {
		return fmt.Sprintf("%-15s | %5s", r, strconv.Itoa(counts[r]))
	})
	return append([]string{fmt.Sprintf("%-15s | %s", "Who", "Count")}, rows...)
}

// truncateRunes keeps the first max runes of s and appends "..." when
// anything was cut.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

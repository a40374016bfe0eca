package router

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// parseCommand splits "/word@bot rest" into its parts. ok is false when text
// is not a command.
func parseCommand(text string) (word, bot, rest string, ok bool) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(text, "/") {
		return "", "", "", false
	}
	text = text[1:]
	head := text
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i:]
		_, size := utf8.DecodeRuneInString(rest)
		rest = rest[size:]
	}
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head, bot = head[:i], head[i+1:]
	}
	word = strings.ToLower(head)
	if word == "" {
		return "", "", "", false
	}
	return word, strings.ToLower(bot), rest, true
}

func newReqID() string {
	return uuid.NewString()[:8]
}

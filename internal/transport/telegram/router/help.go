package router

import (
	"html"
	"slices"
	"strings"
)

// helpText renders help in Telegram HTML parse mode.
func (m *CommandManager) helpText(args []string) string {
	if len(args) == 0 {
		return m.helpTopHTML()
	}
	word := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(args[0]), "/"))
	c, ok := m.lookup(word)
	if !ok {
		return strings.Join([]string{
			"❓ <b>Unknown command</b>",
			"Type <code>/help</code> to list available commands.",
		}, "\n")
	}
	return helpCommandHTML(c)
}

func (m *CommandManager) helpTopHTML() string {
	cmds := m.commands()
	// owner-only commands go last
	slices.SortStableFunc(cmds, func(a, b Command) int {
		if a.Access != b.Access {
			return int(a.Access) - int(b.Access)
		}
		return strings.Compare(a.Route, b.Route)
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range cmds {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Route) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Route) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "", "<b>Aliases</b>")
		for _, a := range c.Aliases {
			lines = append(lines, "• <code>/"+html.EscapeString(a)+"</code>")
		}
	}
	return strings.Join(lines, "\n")
}

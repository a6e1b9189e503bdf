package router

import (
	"html"
	"strings"
	"unicode"

	kit "pitwall/internal/transport"
)

// sanitizeCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(strings.TrimPrefix(s, "/")))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

// menuCommands builds the Telegram command menu in registration order.
func menuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
		if len(out) == 100 {
			break
		}
	}
	return out
}

// HelpText renders the command list in HTML parse mode.
func HelpText(cmds []Command) string {
	lines := []string{"📖 <b>pitwall</b>", "Live Formula 1 notifications from OpenF1.", ""}
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := "• <code>" + html.EscapeString(usage) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		if c.Access == AccessAllowed {
			line += " 🔒"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "<i>Timing: OpenF1. Standings: Jolpica-F1.</i>")
	return strings.Join(lines, "\n")
}

package dispatch

import (
	"fmt"
	"strings"
	"time"

	"pitwall/internal/race"
	"pitwall/pkg/tgui"
)

const rule = "━━━━━━━━━━━━━━━━━━━━"

var tyreEmoji = map[string]string{
	"SOFT":         "🔴",
	"MEDIUM":       "🟡",
	"HARD":         "⚪",
	"INTERMEDIATE": "🔵",
	"WET":          "🟢",
}

// Tyre renders a compound with its colour marker.
func Tyre(compound string) string {
	c := strings.ToUpper(strings.TrimSpace(compound))
	if c == "" {
		return "⚫ Unknown"
	}
	if e, ok := tyreEmoji[c]; ok {
		return e + " " + titleCase(c)
	}
	return "⚫ " + titleCase(c)
}

func flagEmoji(flag string) string {
	f := strings.ToUpper(flag)
	switch {
	case strings.Contains(f, "YELLOW"):
		return "🟨"
	case strings.Contains(f, "RED"):
		return "🟥"
	case strings.Contains(f, "GREEN"), f == "CLEAR":
		return "🟩"
	case strings.Contains(f, "CHEQUERED"), strings.Contains(f, "CHECKERED"):
		return "🏁"
	default:
		return "⚠️"
	}
}

// Render formats an event as Telegram HTML.
func Render(ev race.Event) string {
	switch e := ev.(type) {
	case race.Overtake:
		return fmt.Sprintf("🔁 <b>Overtake (L%d)</b>\n%s overtook %s for P%d",
			e.Lap, tgui.Esc(e.Overtaker.String()), tgui.Esc(e.Overtaken.String()), e.Position)
	case race.PitStop:
		if e.Exit {
			out := fmt.Sprintf("🛠️ <b>Pit Exit</b>\n%s rejoined in P%d", tgui.Esc(e.Driver.String()), e.Position)
			if e.Compound != "" {
				out += " on " + Tyre(e.Compound)
			}
			return out
		}
		return fmt.Sprintf("🛠️ <b>Pit Stop (L%d)</b>\n%s pitted from P%d", e.Lap, tgui.Esc(e.Driver.String()), e.Position)
	case race.Retirement:
		return fmt.Sprintf("❌ <b>Retirement</b>\n%s — out of the race (last seen P%d)", tgui.Esc(e.Driver.String()), e.LastPosition)
	case race.FlagChange:
		title := titleCase(e.To) + " Flag"
		if e.To == "CHEQUERED" {
			title = "Chequered Flag"
		}
		out := fmt.Sprintf("%s <b>%s</b>", flagEmoji(e.To), tgui.Esc(title))
		if e.Message != "" {
			out += "\n" + tgui.Esc(e.Message).String()
		}
		return out
	case race.RaceControl:
		m := e.Message
		title := m.Category
		if title == "" {
			title = "Race Control"
		}
		emoji := "⚠️"
		if m.Flag != "" {
			emoji = flagEmoji(m.Flag)
		}
		return fmt.Sprintf("%s <b>%s</b>\n%s", emoji, tgui.Esc(title), tgui.Esc(m.Message))
	default:
		return ""
	}
}

// RenderDashboard formats the live position table.
func RenderDashboard(s race.Session, drivers []race.DriverState, flag string, at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	if s.Name != "" {
		fmt.Fprintf(&b, "📍 <b>%s</b>\n", tgui.Esc(s.Title()))
	}
	b.WriteString("🏎️ <b>F1 Live Dashboard</b>\n")
	if flag != "" {
		fmt.Fprintf(&b, "%s Track: %s\n", flagEmoji(flag), tgui.Esc(titleCase(flag)))
	}
	b.WriteString(rule + "\n")

	if len(drivers) == 0 {
		b.WriteString("⏳ <i>Waiting for live data...</i>\n")
	} else {
		lap := 0
		for _, d := range drivers {
			lap = max(lap, d.Lap)
		}
		if lap > 0 {
			fmt.Fprintf(&b, "🏁 <i>Lap %d</i>\n", lap)
		}
		for _, d := range drivers {
			gap := d.Gap
			switch {
			case d.Position == 1:
				gap = "Leader"
			case gap == "":
				gap = "+?.???"
			}
			pit := ""
			if d.InPit {
				pit = " | PIT"
			}
			fmt.Fprintf(&b, "<b>P%02d</b> <code>%s</code> | %s | L:%d | %s%s\n",
				d.Position, tgui.Esc(tgui.PadRight(d.Label(), 4)), tgui.Esc(gap), d.Lap, Tyre(d.Compound), pit)
		}
	}
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "🔄 <i>Updated: %s</i>", at.In(loc).Format("15:04:05 MST"))
	return b.String()
}

func titleCase(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

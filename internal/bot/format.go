package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pitwall/internal/dispatch"
	"pitwall/internal/live"
	"pitwall/internal/openf1"
	"pitwall/internal/race"
	"pitwall/internal/scheduler"
	"pitwall/pkg/tgui"
)

const rule = "━━━━━━━━━━━━━━━━━━━━"

var teamNames = strings.NewReplacer(
	"Oracle Red Bull Racing", "Red Bull",
	"Red Bull Racing", "Red Bull",
	"Aston Martin Aramco Mercedes", "Aston Martin",
	"Aston Martin Aramco", "Aston Martin",
	"Scuderia Ferrari", "Ferrari",
)

func formatFollowing(res live.StartResult, loc *time.Location) string {
	var b strings.Builder
	switch {
	case res.Joined:
		b.WriteString("🔴 <b>Already following</b>\n")
	default:
		b.WriteString("🔴 <b>Live updates on</b>\n")
	}
	fmt.Fprintf(&b, "📍 %s\n", tgui.Esc(res.Session.Title()))
	if res.Status == race.StatusUpcoming && !res.Session.Start.IsZero() {
		fmt.Fprintf(&b, "⏳ Starts %s. Updates begin when the session goes live.",
			tgui.Esc(res.Session.Start.In(loc).Format("Mon 02 Jan 15:04 MST")))
	} else {
		fmt.Fprintf(&b, "Status: <b>%s</b>", tgui.Esc(res.Status.String()))
	}
	return b.String()
}

func formatStandings(rows []openf1.Standing) string {
	if len(rows) == 0 {
		return "❌ <b>Championship Standings</b>\n" + rule + "\n<i>Data currently unavailable.</i>"
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, "POS | DRV | TEAM           | PTS")
	for _, r := range rows {
		code := r.Code
		if code == "" {
			code = "???"
		}
		lines = append(lines, fmt.Sprintf("%s | %s | %s | %s",
			tgui.PadRight(strconv.Itoa(r.Position), 3),
			tgui.PadRight(code, 3),
			tgui.PadRight(teamNames.Replace(r.Team), 14),
			r.Points,
		))
	}
	return "🏆 <b>Driver Standings (Current Season)</b>\n" + rule + "\n" +
		tgui.Pre(strings.Join(lines, "\n")).String() + "\n" + rule + "\n<i>Data Source: Jolpica-F1</i>"
}

func formatSchedule(sessions []race.Session, loc *time.Location) string {
	var b strings.Builder
	if len(sessions) == 0 {
		return "📅 <b>F1 Weekend</b>\n" + rule + "\n<i>Schedule data not available.</i>"
	}
	first := sessions[0]
	fmt.Fprintf(&b, "📅 <b>%s %d</b>\n", tgui.Esc(place(first)), first.Year)
	if first.Circuit != "" || first.Country != "" {
		fmt.Fprintf(&b, "📍 %s\n", tgui.Esc(strings.Trim(first.Circuit+", "+first.Country, ", ")))
	}
	b.WriteString(rule + "\n")
	for _, s := range sessions {
		when := "<i>Time N/A</i>"
		if !s.Start.IsZero() {
			when = "<b>" + s.Start.In(loc).Format("Mon, 02 Jan | 15:04") + "</b>"
		}
		fmt.Fprintf(&b, "• %s: %s\n", tgui.Esc(s.Name), when)
	}
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "<i>All times are in %s.</i>", tgui.Esc(zoneName(loc, first.Start)))
	return b.String()
}

func place(s race.Session) string {
	switch {
	case s.Location != "":
		return s.Location
	case s.Country != "":
		return s.Country
	case s.Circuit != "":
		return s.Circuit
	}
	return "F1 Weekend"
}

// zoneName prefers the IANA name, falling back to the abbreviation at t.
func zoneName(loc *time.Location, t time.Time) string {
	if n := loc.String(); n != "" && n != "Local" {
		return n
	}
	name, _ := t.In(loc).Zone()
	return name
}

type statusView struct {
	Tasks    []live.TaskStatus
	Chat     *dispatch.ChatStats
	Jobs     []scheduler.JobInfo
	Location *time.Location
}

func formatStatus(v statusView) string {
	var b strings.Builder
	b.WriteString("📊 <b>Status</b>\n" + rule + "\n")
	if len(v.Tasks) == 0 {
		b.WriteString("<i>No session is being followed.</i>\n")
	}
	for _, t := range v.Tasks {
		fmt.Fprintf(&b, "• <b>%s</b> <code>%d</code>\n", tgui.Esc(t.Session.Title()), t.Session.Key)
		fmt.Fprintf(&b, "  %s, %s, %d cycles, %d chats\n", t.State, t.Status, t.Cycles, t.Subscribers)
		if !t.LastData.IsZero() {
			fmt.Fprintf(&b, "  last data %s\n", t.LastData.In(v.Location).Format("15:04:05"))
		}
		if t.Unavailable {
			fmt.Fprintf(&b, "  ⚠️ feed unavailable (%d failures)\n", t.Failures)
		}
		if t.StopReason != "" {
			fmt.Fprintf(&b, "  stopping: %s\n", tgui.Esc(t.StopReason))
		}
	}
	if v.Chat != nil {
		c := v.Chat
		fmt.Fprintf(&b, "%s\n📨 This chat: %d sent, %d failed, %d dropped\n", rule, c.Delivered, c.Failed, c.Dropped)
		if c.LastError != "" {
			fmt.Fprintf(&b, "  last error: %s\n", tgui.Esc(tgui.TruncRunes(c.LastError, 120)))
		}
	}
	if len(v.Jobs) > 0 {
		b.WriteString(rule + "\n")
		for _, j := range v.Jobs {
			next := "-"
			if !j.Next.IsZero() {
				next = j.Next.In(v.Location).Format("Mon 15:04")
			}
			fmt.Fprintf(&b, "🕒 %s next %s", tgui.Esc(j.Name), next)
			if j.LastErr != "" {
				b.WriteString(" ⚠️")
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

package dispatch

import (
	"strings"
	"testing"
	"time"

	"pitwall/internal/race"
)

func TestRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   race.Event
		want string
	}{
		{
			name: "overtake",
			ev:   swap,
			want: "🔁 <b>Overtake (L23)</b>\nHAM overtook LEC for P3",
		},
		{
			name: "pit entry",
			ev:   race.PitStop{Driver: race.DriverRef{Number: 4, Code: "NOR"}, Lap: 18, Position: 2},
			want: "🛠️ <b>Pit Stop (L18)</b>\nNOR pitted from P2",
		},
		{
			name: "pit exit",
			ev:   race.PitStop{Driver: race.DriverRef{Number: 4, Code: "NOR"}, Position: 5, Exit: true, Compound: "HARD"},
			want: "🛠️ <b>Pit Exit</b>\nNOR rejoined in P5 on ⚪ Hard",
		},
		{
			name: "retirement without code",
			ev:   race.Retirement{Driver: race.DriverRef{Number: 99}, LastPosition: 12},
			want: "❌ <b>Retirement</b>\nDR99 — out of the race (last seen P12)",
		},
		{
			name: "flag",
			ev:   race.FlagChange{From: "GREEN", To: "RED", Message: "RED FLAG"},
			want: "🟥 <b>Red Flag</b>\nRED FLAG",
		},
		{
			name: "race control escapes html",
			ev:   race.RaceControl{Message: race.RaceControlMessage{Category: "Other", Message: "CAR 1 <VER> NOTED"}},
			want: "⚠️ <b>Other</b>\nCAR 1 &lt;VER&gt; NOTED",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tt.ev); got != tt.want {
				t.Fatalf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderDashboard(t *testing.T) {
	t.Parallel()
	s := race.Session{Name: "Race", Location: "Baku", Country: "Azerbaijan"}
	drivers := []race.DriverState{
		{Number: 1, Code: "VER", Position: 1, Lap: 30, Compound: "MEDIUM"},
		{Number: 4, Code: "NOR", Position: 2, Lap: 30, Compound: "SOFT", Gap: "+1.204", InPit: true},
		{Number: 77, Position: 3, Lap: 29},
	}
	at := time.Date(2025, 9, 21, 11, 30, 0, 0, time.UTC)
	out := RenderDashboard(s, drivers, "YELLOW", at, time.FixedZone("UTC+4", 4*3600))

	for _, want := range []string{
		"🏁 <i>Lap 30</i>",
		"<b>P01</b> <code>VER </code> | Leader | L:30 | 🟡 Medium",
		"<b>P02</b> <code>NOR </code> | +1.204 | L:30 | 🔴 Soft | PIT",
		"<code>DR77</code> | +?.??? | L:29 | ⚫ Unknown",
		"🟨 Track: Yellow",
		"Updated: 15:30:00 UTC+4",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("dashboard missing %q:\n%s", want, out)
		}
	}
}

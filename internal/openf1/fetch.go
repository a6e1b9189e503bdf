package openf1

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"pitwall/internal/race"
)

// pitWindow bounds how long a pit entry without a recorded duration keeps a driver in the lane.
const pitWindow = 2 * time.Minute

type pitSample struct {
	at  time.Time
	dur *float64
}

type feeds struct {
	positions []positionRow
	intervals []intervalRow
	laps      []lapRow
	stints    []stintRow
	pits      []pitRow
	rc        []raceControlRow
	drivers   []driverRow
}

// Fetch reads every timing feed of a session and folds them into one snapshot.
// The snapshot's Seq is the newest sample time across all feeds in unix milliseconds,
// so re-fetching unchanged data yields the same Seq.
func (c *Client) Fetch(ctx context.Context, sessionKey int) (race.Snapshot, error) {
	q := url.Values{"session_key": {strconv.Itoa(sessionKey)}}
	var f feeds
	steps := []struct {
		endpoint string
		out      any
	}{
		{"position", &f.positions},
		{"intervals", &f.intervals},
		{"laps", &f.laps},
		{"stints", &f.stints},
		{"pit", &f.pits},
		{"race_control", &f.rc},
		{"drivers", &f.drivers},
	}
	for _, s := range steps {
		if err := c.openf1(ctx, s.endpoint, q, s.out); err != nil {
			// Intervals only exist for races; other sessions answer 404.
			if s.endpoint == "intervals" && IsKind(err, KindNotFound) {
				continue
			}
			return race.Snapshot{}, err
		}
	}
	return fold(sessionKey, f)
}

func fold(sessionKey int, f feeds) (race.Snapshot, error) {
	if len(f.positions) == 0 && len(f.rc) == 0 {
		return race.Snapshot{}, &FetchError{Kind: KindNotFound, Endpoint: "position", Err: errors.New("no timing data for session")}
	}

	var newest time.Time
	seen := func(raw string) (time.Time, bool) {
		t, ok := parseTime(raw)
		if ok && t.After(newest) {
			newest = t
		}
		return t, ok
	}

	type sample struct {
		at  time.Time
		pos int
	}
	latestPos := map[int]sample{}
	for _, p := range f.positions {
		at, ok := seen(p.Date)
		if !ok || p.DriverNumber <= 0 || p.Position <= 0 {
			continue
		}
		if cur, exists := latestPos[p.DriverNumber]; !exists || !at.Before(cur.at) {
			latestPos[p.DriverNumber] = sample{at: at, pos: p.Position}
		}
	}

	gaps := map[int]string{}
	gapAt := map[int]time.Time{}
	for _, iv := range f.intervals {
		at, ok := seen(iv.Date)
		if !ok {
			continue
		}
		if prev, exists := gapAt[iv.DriverNumber]; exists && at.Before(prev) {
			continue
		}
		gapAt[iv.DriverNumber] = at
		gaps[iv.DriverNumber] = formatGap(iv.GapToLeader)
	}

	laps := map[int]int{}
	for _, l := range f.laps {
		if l.DateStart != nil {
			seen(*l.DateStart)
		}
		laps[l.DriverNumber] = max(laps[l.DriverNumber], l.LapNumber)
	}

	compound := map[int]string{}
	stintNo := map[int]int{}
	for _, s := range f.stints {
		if s.StintNumber < stintNo[s.DriverNumber] {
			continue
		}
		stintNo[s.DriverNumber] = s.StintNumber
		compound[s.DriverNumber] = strings.ToUpper(strings.TrimSpace(s.Compound))
	}

	lastPit := map[int]pitSample{}
	for _, p := range f.pits {
		at, ok := seen(p.Date)
		if !ok {
			continue
		}
		if cur, exists := lastPit[p.DriverNumber]; !exists || !at.Before(cur.at) {
			lastPit[p.DriverNumber] = pitSample{at: at, dur: p.PitDuration}
		}
	}

	rc := make([]race.RaceControlMessage, 0, len(f.rc))
	for _, r := range f.rc {
		at, ok := seen(r.Date)
		if !ok {
			continue
		}
		rc = append(rc, race.RaceControlMessage{
			Date:     at,
			Category: strings.TrimSpace(r.Category),
			Flag:     strings.ToUpper(strings.TrimSpace(r.Flag)),
			Scope:    strings.TrimSpace(r.Scope),
			Sector:   lo.FromPtr(r.Sector),
			Driver:   lo.FromPtr(r.DriverNumber),
			Lap:      lo.FromPtr(r.LapNumber),
			Message:  strings.TrimSpace(r.Message),
		})
	}
	slices.SortStableFunc(rc, func(a, b race.RaceControlMessage) int { return a.Date.Compare(b.Date) })

	if newest.IsZero() {
		return race.Snapshot{}, &FetchError{Kind: KindMalformed, Err: race.ErrNoOrderingKey}
	}

	codes := lo.SliceToMap(f.drivers, func(d driverRow) (int, string) {
		return d.DriverNumber, strings.ToUpper(strings.TrimSpace(d.NameAcronym))
	})

	drivers := make([]race.DriverState, 0, len(latestPos))
	for num, s := range latestPos {
		drivers = append(drivers, race.DriverState{
			Number:   num,
			Code:     codes[num],
			Position: s.pos,
			Lap:      laps[num],
			Compound: compound[num],
			InPit:    inPit(lastPit[num], newest),
			Gap:      gaps[num],
		})
	}
	slices.SortFunc(drivers, func(a, b race.DriverState) int { return a.Position - b.Position })

	// Position collisions are left for the differ to reject.
	return race.Snapshot{
		SessionKey:  sessionKey,
		Seq:         newest.UnixMilli(),
		Drivers:     drivers,
		RaceControl: rc,
	}, nil
}

func inPit(p pitSample, now time.Time) bool {
	if p.at.IsZero() || p.at.After(now) {
		return false
	}
	if p.dur == nil {
		return now.Sub(p.at) < pitWindow
	}
	exit := p.at.Add(time.Duration(*p.dur * float64(time.Second)))
	return exit.After(now)
}

package race

import (
	"fmt"
	"slices"
	"sort"

	"github.com/samber/lo"
)

// Entry is a committed table row. Absent counts consecutive snapshots the driver
// was missing from; present drivers have Absent == 0.
type Entry struct {
	DriverState
	Absent int
}

// State is the committed table of one session.
type State struct {
	SessionKey int
	Seq        int64
	Drivers    map[int]Entry
	SeenRC     map[string]struct{}
}

func (s State) Committed() bool { return s.Seq > 0 }

// Present returns the drivers of the newest snapshot ordered by position.
func (s State) Present() []DriverState {
	out := make([]DriverState, 0, len(s.Drivers))
	for _, e := range s.Drivers {
		if e.Absent == 0 {
			out = append(out, e.DriverState)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Driver returns the last known row for a driver number.
func (s State) Driver(num int) (DriverState, bool) {
	e, ok := s.Drivers[num]
	return e.DriverState, ok
}

// Batch is the result of one Diff: the table to commit and what changed.
type Batch struct {
	Prev   State
	Next   State
	Deltas []Delta
	// Baseline is true for the first snapshot of a session. It carries no driver
	// deltas; its race control messages are in Seeded instead of Deltas.
	Baseline bool
	Seeded   []RaceControlMessage
	Ended    bool
}

// Diff compares a snapshot with the committed state. It never mutates prev.
func Diff(prev State, snap Snapshot) (Batch, error) {
	if err := snap.Validate(); err != nil {
		return Batch{}, err
	}
	if prev.Committed() && snap.Seq <= prev.Seq {
		return Batch{}, fmt.Errorf("%w: seq %d <= committed %d", ErrStaleSnapshot, snap.Seq, prev.Seq)
	}

	baseline := !prev.Committed()
	next := State{
		SessionKey: snap.SessionKey,
		Seq:        snap.Seq,
		Drivers:    make(map[int]Entry, max(len(prev.Drivers), len(snap.Drivers))),
		SeenRC:     lo.Assign(prev.SeenRC),
	}
	if next.SessionKey == 0 {
		next.SessionKey = prev.SessionKey
	}
	b := Batch{Prev: prev, Baseline: baseline, Ended: snap.EndsSession()}

	current := lo.KeyBy(snap.Drivers, func(d DriverState) int { return d.Number })
	for num, cur := range current {
		next.Drivers[num] = Entry{DriverState: cur}
		if baseline {
			continue
		}
		old, known := prev.Drivers[num]
		switch {
		case !known:
			// first appearance mid-session: nothing to compare against
		case old.Absent > 0:
			b.Deltas = append(b.Deltas, DriverReturned{Driver: num, Cycles: old.Absent})
		default:
			b.Deltas = append(b.Deltas, driverDeltas(old.DriverState, cur)...)
		}
	}
	for num, old := range prev.Drivers {
		if _, ok := current[num]; ok {
			continue
		}
		gone := Entry{DriverState: old.DriverState, Absent: old.Absent + 1}
		next.Drivers[num] = gone
		b.Deltas = append(b.Deltas, DriverMissing{Driver: num, Cycles: gone.Absent, LastPosition: old.Position})
	}
	sortDeltas(b.Deltas)

	msgs := slices.Clone(snap.RaceControl)
	slices.SortStableFunc(msgs, func(a, c RaceControlMessage) int { return a.Date.Compare(c.Date) })
	for _, m := range msgs {
		key := m.Key()
		if _, seen := next.SeenRC[key]; seen {
			continue
		}
		next.SeenRC[key] = struct{}{}
		if baseline {
			b.Seeded = append(b.Seeded, m)
			continue
		}
		b.Deltas = append(b.Deltas, RaceControlNew{Message: m})
	}

	b.Next = next
	return b, nil
}

func driverDeltas(old, cur DriverState) []Delta {
	var out []Delta
	if old.Position != cur.Position {
		out = append(out, PositionChange{Driver: cur.Number, From: old.Position, To: cur.Position})
	}
	switch {
	case !old.InPit && cur.InPit:
		out = append(out, PitEntry{Driver: cur.Number, Lap: cur.Lap})
	case old.InPit && !cur.InPit:
		out = append(out, PitExit{Driver: cur.Number, Lap: cur.Lap, Compound: cur.Compound})
	}
	if old.Compound != "" && cur.Compound != "" && old.Compound != cur.Compound {
		out = append(out, CompoundChange{Driver: cur.Number, From: old.Compound, To: cur.Compound})
	}
	return out
}

func deltaDriver(d Delta) int {
	switch v := d.(type) {
	case PositionChange:
		return v.Driver
	case PitEntry:
		return v.Driver
	case PitExit:
		return v.Driver
	case CompoundChange:
		return v.Driver
	case DriverMissing:
		return v.Driver
	case DriverReturned:
		return v.Driver
	default:
		return 0
	}
}

func deltaRank(d Delta) int {
	switch d.(type) {
	case DriverMissing:
		return 0
	case DriverReturned:
		return 1
	case PitEntry:
		return 2
	case PitExit:
		return 3
	case CompoundChange:
		return 4
	case PositionChange:
		return 5
	default:
		return 6
	}
}

// sortDeltas orders driver deltas deterministically (map iteration is random).
func sortDeltas(ds []Delta) {
	sort.SliceStable(ds, func(i, j int) bool {
		di, dj := deltaDriver(ds[i]), deltaDriver(ds[j])
		if di != dj {
			return di < dj
		}
		return deltaRank(ds[i]) < deltaRank(ds[j])
	})
}

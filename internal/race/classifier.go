package race

import (
	"sort"

	"github.com/samber/lo"
)

// DefaultRetirementCycles is how many consecutive absent snapshots confirm a retirement.
const DefaultRetirementCycles = 2

// ClassifierState is the classifier memory carried between cycles.
type ClassifierState struct {
	// Flag is the last emitted track flag ("" until known).
	Flag string
	// OpenPits maps driver number to the fingerprint of its pending pit entry.
	OpenPits map[int]string
}

func (s ClassifierState) clone() ClassifierState {
	return ClassifierState{Flag: s.Flag, OpenPits: lo.Assign(s.OpenPits)}
}

// Classification is the output of one Classify call.
type Classification struct {
	Events      []Event
	Ambiguities []Ambiguity
	Next        ClassifierState
}

type Classifier struct {
	retirementCycles int
}

func NewClassifier(retirementCycles int) *Classifier {
	if retirementCycles <= 0 {
		retirementCycles = DefaultRetirementCycles
	}
	return &Classifier{retirementCycles: retirementCycles}
}

// Classify turns a batch of deltas into ordered events. st is not mutated; the
// state to carry forward is returned in Classification.Next.
//
// Output order: retirements, flag changes, race control, then overtakes and
// pit stops by position.
func (c *Classifier) Classify(st ClassifierState, b Batch) Classification {
	out := Classification{Next: st.clone()}
	session := b.Next.SessionKey

	if b.Baseline {
		for _, m := range b.Seeded {
			if f, ok := m.TrackFlag(); ok {
				out.Next.Flag = f
			}
		}
		// drivers already in the pit lane have no entry to pair an exit with
		return out
	}

	var (
		retirements []Event
		flags       []Event
		control     []Event
		track       []ranked
	)
	pitActive := map[int]bool{}
	newCompound := map[int]string{}
	for _, d := range b.Deltas {
		switch v := d.(type) {
		case PitEntry:
			pitActive[v.Driver] = true
		case PitExit:
			pitActive[v.Driver] = true
		case CompoundChange:
			newCompound[v.Driver] = v.To
		}
	}

	for _, d := range b.Deltas {
		switch v := d.(type) {
		case DriverMissing:
			if v.Cycles != c.retirementCycles {
				continue
			}
			last, _ := b.Next.Driver(v.Driver)
			retirements = append(retirements, Retirement{
				SessionKey:   session,
				Driver:       refOf(last),
				LastPosition: v.LastPosition,
				Lap:          last.Lap,
			})
			delete(out.Next.OpenPits, v.Driver)

		case PitEntry:
			cur, _ := b.Next.Driver(v.Driver)
			ev := PitStop{SessionKey: session, Driver: refOf(cur), Lap: v.Lap, Position: cur.Position}
			if out.Next.OpenPits == nil {
				out.Next.OpenPits = map[int]string{}
			}
			out.Next.OpenPits[v.Driver] = ev.Fingerprint()
			track = append(track, ranked{ev: ev, pos: cur.Position, sub: 1})

		case PitExit:
			entry, ok := out.Next.OpenPits[v.Driver]
			if !ok {
				out.Ambiguities = append(out.Ambiguities, Ambiguity{Reason: "pit exit without a known entry", Drivers: []int{v.Driver}})
				continue
			}
			delete(out.Next.OpenPits, v.Driver)
			cur, _ := b.Next.Driver(v.Driver)
			compound := v.Compound
			if nc, ok := newCompound[v.Driver]; ok {
				compound = nc
			}
			ev := PitStop{
				SessionKey:       session,
				Driver:           refOf(cur),
				Lap:              v.Lap,
				Position:         cur.Position,
				Exit:             true,
				EntryFingerprint: entry,
				Compound:         compound,
			}
			track = append(track, ranked{ev: ev, pos: cur.Position, sub: 2})

		case RaceControlNew:
			m := v.Message
			if f, ok := m.TrackFlag(); ok && f != out.Next.Flag {
				flags = append(flags, FlagChange{
					SessionKey: session,
					From:       out.Next.Flag,
					To:         f,
					Lap:        m.Lap,
					MessageKey: m.Key(),
					Message:    m.Message,
				})
				out.Next.Flag = f
				continue
			}
			control = append(control, RaceControl{SessionKey: session, Message: m})
		}
	}

	overtakes, amb := c.overtakes(b, pitActive)
	track = append(track, overtakes...)
	out.Ambiguities = append(out.Ambiguities, amb...)

	sort.SliceStable(retirements, func(i, j int) bool {
		return retirements[i].(Retirement).LastPosition < retirements[j].(Retirement).LastPosition
	})
	sort.SliceStable(track, func(i, j int) bool {
		if track[i].pos != track[j].pos {
			return track[i].pos < track[j].pos
		}
		return track[i].sub < track[j].sub
	})

	out.Events = make([]Event, 0, len(retirements)+len(flags)+len(control)+len(track))
	out.Events = append(out.Events, retirements...)
	out.Events = append(out.Events, flags...)
	out.Events = append(out.Events, control...)
	for _, r := range track {
		out.Events = append(out.Events, r.ev)
	}
	return out
}

type ranked struct {
	ev  Event
	pos int
	sub int // overtake=0, pit in=1, pit out=2 at equal positions
}

// overtakes finds driver pairs whose relative order inverted between the two
// tables. Pairs involving a pit stop in this cycle are explained by the stop.
// A lone inverted pair is a simple swap and must balance: the overtaker gains
// exactly the places the other driver loses. Otherwise the cycle is reported
// as ambiguous and nothing is emitted.
func (c *Classifier) overtakes(b Batch, pitActive map[int]bool) ([]ranked, []Ambiguity) {
	type pos struct{ from, to int }
	common := map[int]pos{}
	moved := map[int]bool{}
	for num, e := range b.Next.Drivers {
		old, ok := b.Prev.Drivers[num]
		if e.Absent > 0 || !ok || old.Absent > 0 {
			continue
		}
		common[num] = pos{from: old.Position, to: e.Position}
		if old.Position != e.Position {
			moved[num] = true
		}
	}
	if len(moved) == 0 {
		return nil, nil
	}

	type pair struct{ a, b int }
	var pairs []pair
	for a, pa := range common {
		for bn, pb := range common {
			if a == bn || pa.from <= pb.from || pa.to >= pb.to {
				continue
			}
			if pitActive[a] || pitActive[bn] {
				continue
			}
			pairs = append(pairs, pair{a: a, b: bn})
		}
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	if len(pairs) == 1 {
		pa, pb := common[pairs[0].a], common[pairs[0].b]
		if pa.from-pa.to != pb.to-pb.from {
			return nil, []Ambiguity{{Reason: "inconsistent position swap", Drivers: []int{pairs[0].a, pairs[0].b}}}
		}
	}

	out := make([]ranked, 0, len(pairs))
	for _, p := range pairs {
		a, _ := b.Next.Driver(p.a)
		bd, _ := b.Next.Driver(p.b)
		out = append(out, ranked{
			ev: Overtake{
				SessionKey:        b.Next.SessionKey,
				Lap:               a.Lap,
				Overtaker:         refOf(a),
				Overtaken:         refOf(bd),
				Position:          a.Position,
				OvertakenPosition: bd.Position,
			},
			pos: a.Position,
		})
	}
	// equal overtaker positions: order by the overtaken driver's position
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].pos != out[j].pos {
			return out[i].pos < out[j].pos
		}
		return out[i].ev.(Overtake).OvertakenPosition < out[j].ev.(Overtake).OvertakenPosition
	})
	return out, nil
}

package race

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2025, 4, 27, 11, 0, 0, 0, time.UTC)

// grid builds a snapshot from driver numbers listed in position order.
func grid(seq int64, numbers ...int) Snapshot {
	s := Snapshot{SessionKey: 9999, Seq: seq}
	for i, n := range numbers {
		s.Drivers = append(s.Drivers, DriverState{Number: n, Code: code(n), Position: i + 1, Lap: 10, Compound: "MEDIUM"})
	}
	return s
}

func code(n int) string {
	return map[int]string{1: "VER", 4: "NOR", 16: "LEC", 44: "HAM", 63: "RUS", 81: "PIA", 55: "SAI"}[n]
}

func rc(id string, at time.Time, category, flag, msg string) RaceControlMessage {
	return RaceControlMessage{ID: id, Date: at, Category: category, Flag: flag, Scope: "Track", Message: msg}
}

func mustDiff(t *testing.T, prev State, snap Snapshot) Batch {
	t.Helper()
	b, err := Diff(prev, snap)
	if err != nil {
		t.Fatalf("Diff(seq=%d) error: %v", snap.Seq, err)
	}
	return b
}

func TestDiffRejectsStaleAndUnordered(t *testing.T) {
	t.Parallel()
	first := mustDiff(t, State{}, grid(100, 1, 4, 16))

	if _, err := Diff(first.Next, grid(100, 1, 4, 16)); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("same seq: err = %v, want ErrStaleSnapshot", err)
	}
	if _, err := Diff(first.Next, grid(90, 4, 1, 16)); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("older seq: err = %v, want ErrStaleSnapshot", err)
	}
	if _, err := Diff(first.Next, grid(0, 1, 4, 16)); !errors.Is(err, ErrNoOrderingKey) {
		t.Fatalf("no seq: err = %v, want ErrNoOrderingKey", err)
	}
}

func TestDiffRejectsDuplicatePositions(t *testing.T) {
	t.Parallel()
	snap := grid(5, 1, 4)
	snap.Drivers[1].Position = 1
	if _, err := Diff(State{}, snap); !errors.Is(err, ErrInconsistentSnapshot) {
		t.Fatalf("err = %v, want ErrInconsistentSnapshot", err)
	}
}

func TestDiffBaselineSeedsWithoutDriverDeltas(t *testing.T) {
	t.Parallel()
	snap := grid(1, 1, 4, 16)
	snap.RaceControl = []RaceControlMessage{rc("RC-1", t0, "Flag", "GREEN", "GREEN LIGHT - PIT EXIT OPEN")}
	b := mustDiff(t, State{}, snap)
	if !b.Baseline {
		t.Fatal("first snapshot should be a baseline")
	}
	if len(b.Deltas) != 0 {
		t.Fatalf("baseline deltas = %v, want none", b.Deltas)
	}
	if len(b.Seeded) != 1 {
		t.Fatalf("seeded = %d, want 1", len(b.Seeded))
	}
	if _, ok := b.Next.SeenRC["RC-1"]; !ok {
		t.Fatal("baseline did not seed the seen set")
	}
}

func TestDiffDoesNotMutatePrevious(t *testing.T) {
	t.Parallel()
	first := mustDiff(t, State{}, grid(1, 1, 4, 16))
	before := first.Next
	beforeCopy := State{
		SessionKey: before.SessionKey,
		Seq:        before.Seq,
		Drivers:    map[int]Entry{},
		SeenRC:     map[string]struct{}{},
	}
	for k, v := range before.Drivers {
		beforeCopy.Drivers[k] = v
	}

	snap := grid(2, 4, 1)
	snap.RaceControl = []RaceControlMessage{rc("RC-2", t0, "Other", "", "TRACK LIMITS")}
	_ = mustDiff(t, before, snap)

	if diff := cmp.Diff(beforeCopy, before); diff != "" {
		t.Fatalf("Diff mutated previous state (-want +got):\n%s", diff)
	}
}

func TestDiffHasNoAccumulatedDrift(t *testing.T) {
	t.Parallel()
	snaps := []Snapshot{
		grid(1, 1, 4, 16, 44),
		grid(2, 4, 1, 16, 44),
		grid(3, 4, 16, 1),
		grid(4, 16, 4, 1, 44),
		grid(5, 16, 44, 4, 1),
	}
	snaps[3].Drivers[2].InPit = true
	snaps[4].Drivers[1].Compound = "HARD"

	st := State{}
	for _, s := range snaps {
		st = mustDiff(t, st, s).Next
	}
	direct := mustDiff(t, State{}, snaps[len(snaps)-1]).Next
	if diff := cmp.Diff(direct.Present(), st.Present()); diff != "" {
		t.Fatalf("table drifted from direct computation (-direct +chained):\n%s", diff)
	}
}

func TestDiffDriverDeltas(t *testing.T) {
	t.Parallel()
	first := mustDiff(t, State{}, grid(1, 1, 4, 16))
	snap := grid(2, 1, 16, 4)
	snap.Drivers[2].InPit = true
	b := mustDiff(t, first.Next, snap)

	want := []Delta{
		PitEntry{Driver: 4, Lap: 10},
		PositionChange{Driver: 4, From: 2, To: 3},
		PositionChange{Driver: 16, From: 3, To: 2},
	}
	if diff := cmp.Diff(want, b.Deltas); diff != "" {
		t.Fatalf("deltas mismatch (-want +got):\n%s", diff)
	}

	exit := grid(3, 1, 16, 4)
	exit.Drivers[2].Compound = "HARD"
	b = mustDiff(t, b.Next, exit)
	want = []Delta{
		PitExit{Driver: 4, Lap: 10, Compound: "HARD"},
		CompoundChange{Driver: 4, From: "MEDIUM", To: "HARD"},
	}
	if diff := cmp.Diff(want, b.Deltas); diff != "" {
		t.Fatalf("exit deltas mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffTracksAbsence(t *testing.T) {
	t.Parallel()
	st := mustDiff(t, State{}, grid(1, 1, 4, 16)).Next

	b := mustDiff(t, st, grid(2, 1, 4))
	if diff := cmp.Diff([]Delta{DriverMissing{Driver: 16, Cycles: 1, LastPosition: 3}}, b.Deltas); diff != "" {
		t.Fatalf("cycle 1 (-want +got):\n%s", diff)
	}
	b = mustDiff(t, b.Next, grid(3, 1, 4))
	if diff := cmp.Diff([]Delta{DriverMissing{Driver: 16, Cycles: 2, LastPosition: 3}}, b.Deltas); diff != "" {
		t.Fatalf("cycle 2 (-want +got):\n%s", diff)
	}
	b = mustDiff(t, b.Next, grid(4, 1, 4, 16))
	if diff := cmp.Diff([]Delta{DriverReturned{Driver: 16, Cycles: 2}}, b.Deltas); diff != "" {
		t.Fatalf("return (-want +got):\n%s", diff)
	}
}

func TestDiffRaceControlSetDifference(t *testing.T) {
	t.Parallel()
	st := mustDiff(t, State{}, grid(1, 1, 4)).Next

	msg := rc("RC-102", t0.Add(time.Minute), "Other", "", "CAR 4 TIME PENALTY")
	s2 := grid(2, 1, 4)
	s2.RaceControl = []RaceControlMessage{msg}
	b := mustDiff(t, st, s2)
	if len(b.Deltas) != 1 {
		t.Fatalf("first sighting deltas = %d, want 1", len(b.Deltas))
	}

	s3 := grid(3, 1, 4)
	s3.RaceControl = []RaceControlMessage{msg}
	b = mustDiff(t, b.Next, s3)
	if len(b.Deltas) != 0 {
		t.Fatalf("second sighting deltas = %v, want none", b.Deltas)
	}
}

func TestRaceControlKeyHashesContent(t *testing.T) {
	t.Parallel()
	a := RaceControlMessage{Date: t0, Category: "Flag", Flag: "YELLOW", Scope: "Sector", Sector: 7, Message: "YELLOW IN TRACK SECTOR 7"}
	b := a
	if a.Key() != b.Key() {
		t.Fatal("identical messages hashed differently")
	}
	b.Sector = 8
	if a.Key() == b.Key() {
		t.Fatal("different messages share a key")
	}
	if _, ok := a.TrackFlag(); ok {
		t.Fatal("sector flag must not change the track flag")
	}
}

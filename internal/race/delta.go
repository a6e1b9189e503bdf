package race

// Delta is one change between two committed tables.
// The set is closed: PositionChange, PitEntry, PitExit, CompoundChange,
// DriverMissing, DriverReturned, RaceControlNew.
type Delta interface {
	isDelta()
}

type PositionChange struct {
	Driver   int
	From, To int
}

type PitEntry struct {
	Driver int
	Lap    int
}

type PitExit struct {
	Driver   int
	Lap      int
	Compound string
}

type CompoundChange struct {
	Driver   int
	From, To string
}

// DriverMissing is emitted on every snapshot a driver is absent from.
// Cycles counts consecutive absent snapshots, starting at 1.
type DriverMissing struct {
	Driver       int
	Cycles       int
	LastPosition int
}

type DriverReturned struct {
	Driver int
	Cycles int
}

type RaceControlNew struct {
	Message RaceControlMessage
}

func (PositionChange) isDelta() {}
func (PitEntry) isDelta()       {}
func (PitExit) isDelta()        {}
func (CompoundChange) isDelta() {}
func (DriverMissing) isDelta()  {}
func (DriverReturned) isDelta() {}
func (RaceControlNew) isDelta() {}

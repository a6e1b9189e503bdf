package race

import "errors"

var (
	// ErrStaleSnapshot is returned for snapshots not newer than the committed one.
	ErrStaleSnapshot = errors.New("stale snapshot")
	// ErrNoOrderingKey is returned for snapshots without a sequence.
	ErrNoOrderingKey = errors.New("snapshot has no ordering key")
	// ErrInconsistentSnapshot is returned when positions or numbers collide.
	ErrInconsistentSnapshot = errors.New("inconsistent snapshot")
)

// Ambiguity describes a delta the classifier refused to turn into an event.
type Ambiguity struct {
	Reason  string
	Drivers []int
}

func (a Ambiguity) Error() string { return "ambiguous: " + a.Reason }

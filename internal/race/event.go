package race

import (
	"fmt"
	"hash/fnv"
	"strings"
)

type EventKind string

const (
	EventOvertake    EventKind = "overtake"
	EventPitStop     EventKind = "pit_stop"
	EventRetirement  EventKind = "retirement"
	EventFlagChange  EventKind = "flag_change"
	EventRaceControl EventKind = "race_control"
)

// Event is a user-facing occurrence. Events are created by the Classifier and never mutated.
type Event interface {
	Kind() EventKind
	Session() int
	// Fingerprint identifies the real-world occurrence. It depends only on
	// semantic fields, so re-deriving the event from a re-sent snapshot yields
	// the same value.
	Fingerprint() string
}

// DriverRef names a driver in an event.
type DriverRef struct {
	Number int
	Code   string
}

func refOf(d DriverState) DriverRef { return DriverRef{Number: d.Number, Code: d.Label()} }

func (r DriverRef) String() string {
	if r.Code != "" {
		return r.Code
	}
	return fmt.Sprintf("DR%d", r.Number)
}

type Overtake struct {
	SessionKey        int
	Lap               int
	Overtaker         DriverRef
	Overtaken         DriverRef
	Position          int // overtaker's new position
	OvertakenPosition int
}

type PitStop struct {
	SessionKey int
	Driver     DriverRef
	Lap        int
	Position   int
	Exit       bool
	// EntryFingerprint links an exit to its entry event.
	EntryFingerprint string
	Compound         string
}

type Retirement struct {
	SessionKey   int
	Driver       DriverRef
	LastPosition int
	Lap          int
}

type FlagChange struct {
	SessionKey int
	From, To   string
	Lap        int
	MessageKey string
	Message    string
}

type RaceControl struct {
	SessionKey int
	Message    RaceControlMessage
}

func (Overtake) Kind() EventKind    { return EventOvertake }
func (PitStop) Kind() EventKind     { return EventPitStop }
func (Retirement) Kind() EventKind  { return EventRetirement }
func (FlagChange) Kind() EventKind  { return EventFlagChange }
func (RaceControl) Kind() EventKind { return EventRaceControl }

func (e Overtake) Session() int    { return e.SessionKey }
func (e PitStop) Session() int     { return e.SessionKey }
func (e Retirement) Session() int  { return e.SessionKey }
func (e FlagChange) Session() int  { return e.SessionKey }
func (e RaceControl) Session() int { return e.SessionKey }

func (e Overtake) Fingerprint() string {
	return fingerprint(e.Kind(), e.SessionKey, e.Lap, e.Overtaker.Number, e.Overtaken.Number, e.Position, e.OvertakenPosition)
}

func (e PitStop) Fingerprint() string {
	if e.Exit {
		return fingerprint(e.Kind(), e.SessionKey, e.Driver.Number, "out", e.EntryFingerprint)
	}
	return fingerprint(e.Kind(), e.SessionKey, e.Driver.Number, "in", e.Lap)
}

func (e Retirement) Fingerprint() string {
	return fingerprint(e.Kind(), e.SessionKey, e.Driver.Number)
}

func (e FlagChange) Fingerprint() string {
	return fingerprint(e.Kind(), e.SessionKey, e.MessageKey, e.To)
}

func (e RaceControl) Fingerprint() string {
	return fingerprint(e.Kind(), e.SessionKey, e.Message.Key())
}

func fingerprint(kind EventKind, parts ...any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprint(&b, p)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(b.String()))
	return fmt.Sprintf("%s:%016x", kind, h.Sum64())
}

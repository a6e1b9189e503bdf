// Package race holds the live timing model: snapshots, the committed driver table,
// the state differ and the event classifier.
//
// Everything here is pure. Network access lives in openf1, side effects in live.
package race

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"time"
)

type SessionKind string

const (
	KindPractice   SessionKind = "practice"
	KindQualifying SessionKind = "qualifying"
	KindSprint     SessionKind = "sprint"
	KindRace       SessionKind = "race"
)

// KindOf maps upstream session type/name pairs ("Race"/"Sprint", "Qualifying"/"Sprint Qualifying").
func KindOf(sessionType, sessionName string) SessionKind {
	t := strings.ToLower(strings.TrimSpace(sessionType))
	n := strings.ToLower(strings.TrimSpace(sessionName))
	switch {
	case t == "race" && strings.Contains(n, "sprint"):
		return KindSprint
	case t == "race":
		return KindRace
	case t == "qualifying" || strings.Contains(n, "qualifying") || strings.Contains(n, "shootout"):
		return KindQualifying
	default:
		return KindPractice
	}
}

type SessionStatus int

const (
	StatusUpcoming SessionStatus = iota
	StatusLive
	StatusFinished
)

func (s SessionStatus) String() string {
	switch s {
	case StatusUpcoming:
		return "upcoming"
	case StatusLive:
		return "live"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Session is one timed session of a race weekend.
type Session struct {
	Key        int
	MeetingKey int
	Name       string
	Kind       SessionKind
	Circuit    string
	Country    string
	Location   string
	Year       int
	Start      time.Time
	End        time.Time
}

func (s Session) Title() string {
	place := s.Location
	if place == "" {
		place = s.Circuit
	}
	if place == "" {
		return s.Name
	}
	return place + " " + s.Name
}

// DriverState is one row of the timing table.
type DriverState struct {
	Number   int
	Code     string
	Position int
	Lap      int
	Compound string
	InPit    bool
	Gap      string
}

// Label is the three-letter code, or DR<n> when the lineup is unknown.
func (d DriverState) Label() string {
	if d.Code != "" {
		return d.Code
	}
	return "DR" + strconv.Itoa(d.Number)
}

// RaceControlMessage is an official message from race control. Immutable once observed.
type RaceControlMessage struct {
	ID       string
	Date     time.Time
	Category string
	Flag     string
	Scope    string
	Sector   int
	Driver   int
	Lap      int
	Message  string
}

// Key is the upstream identifier, or a content hash when none is supplied.
func (m RaceControlMessage) Key() string {
	if m.ID != "" {
		return m.ID
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s|%s|%d|%d|%s",
		m.Date.UnixMilli(), m.Category, m.Flag, m.Scope, m.Sector, m.Driver, m.Message)
	return fmt.Sprintf("rc-%016x", h.Sum64())
}

// TrackFlag reports the track-wide flag state this message sets, if any.
// Sector and driver flags (blue, sector yellow) do not change the track state.
func (m RaceControlMessage) TrackFlag() (string, bool) {
	if !strings.EqualFold(m.Category, "flag") {
		return "", false
	}
	if m.Scope != "" && !strings.EqualFold(m.Scope, "track") {
		return "", false
	}
	switch f := strings.ToUpper(strings.TrimSpace(m.Flag)); f {
	case "GREEN", "CLEAR":
		return "GREEN", true
	case "YELLOW", "DOUBLE YELLOW", "RED", "CHEQUERED":
		return f, true
	default:
		return "", false
	}
}

// Snapshot is one fetch of the live feed. Seq orders snapshots; a later fetch of
// the same data carries the same Seq.
type Snapshot struct {
	SessionKey  int
	Seq         int64
	Drivers     []DriverState
	RaceControl []RaceControlMessage
	// Ended is set when the feed carries an explicit end marker.
	Ended bool
}

// Validate rejects snapshots that cannot be ordered or whose table is inconsistent.
func (s Snapshot) Validate() error {
	if s.Seq <= 0 {
		return ErrNoOrderingKey
	}
	seenNum := make(map[int]struct{}, len(s.Drivers))
	seenPos := make(map[int]int, len(s.Drivers))
	for _, d := range s.Drivers {
		if d.Number <= 0 || d.Position <= 0 {
			return fmt.Errorf("%w: driver %d at position %d", ErrInconsistentSnapshot, d.Number, d.Position)
		}
		if _, dup := seenNum[d.Number]; dup {
			return fmt.Errorf("%w: driver %d listed twice", ErrInconsistentSnapshot, d.Number)
		}
		if other, dup := seenPos[d.Position]; dup {
			return fmt.Errorf("%w: drivers %d and %d both at P%d", ErrInconsistentSnapshot, other, d.Number, d.Position)
		}
		seenNum[d.Number] = struct{}{}
		seenPos[d.Position] = d.Number
	}
	return nil
}

// EndsSession reports whether the snapshot carries a track-wide chequered flag.
func (s Snapshot) EndsSession() bool {
	if s.Ended {
		return true
	}
	return slices.ContainsFunc(s.RaceControl, func(m RaceControlMessage) bool {
		f, ok := m.TrackFlag()
		return ok && f == "CHEQUERED"
	})
}

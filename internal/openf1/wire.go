package openf1

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Wire records. Only the fields the fold needs are decoded; unknown fields are ignored.

type positionRow struct {
	Date         string `json:"date"`
	DriverNumber int    `json:"driver_number"`
	Position     int    `json:"position"`
}

type intervalRow struct {
	Date         string          `json:"date"`
	DriverNumber int             `json:"driver_number"`
	GapToLeader  json.RawMessage `json:"gap_to_leader"`
}

type lapRow struct {
	DateStart    *string  `json:"date_start"`
	DriverNumber int      `json:"driver_number"`
	LapNumber    int      `json:"lap_number"`
	LapDuration  *float64 `json:"lap_duration"`
}

type stintRow struct {
	DriverNumber int    `json:"driver_number"`
	StintNumber  int    `json:"stint_number"`
	Compound     string `json:"compound"`
	LapStart     int    `json:"lap_start"`
}

type pitRow struct {
	Date         string   `json:"date"`
	DriverNumber int      `json:"driver_number"`
	LapNumber    int      `json:"lap_number"`
	PitDuration  *float64 `json:"pit_duration"`
}

type raceControlRow struct {
	Date         string `json:"date"`
	Category     string `json:"category"`
	Flag         string `json:"flag"`
	Scope        string `json:"scope"`
	Sector       *int   `json:"sector"`
	DriverNumber *int   `json:"driver_number"`
	LapNumber    *int   `json:"lap_number"`
	Message      string `json:"message"`
}

type driverRow struct {
	DriverNumber int    `json:"driver_number"`
	NameAcronym  string `json:"name_acronym"`
	FullName     string `json:"full_name"`
	TeamName     string `json:"team_name"`
}

type sessionRow struct {
	SessionKey       int    `json:"session_key"`
	MeetingKey       int    `json:"meeting_key"`
	SessionName      string `json:"session_name"`
	SessionType      string `json:"session_type"`
	DateStart        string `json:"date_start"`
	DateEnd          string `json:"date_end"`
	CircuitShortName string `json:"circuit_short_name"`
	CountryName      string `json:"country_name"`
	Location         string `json:"location"`
	Year             int    `json:"year"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime accepts the ISO-8601 variants the APIs emit. Zone-less values are UTC.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// formatGap renders gap_to_leader, which is a number of seconds, a string such as
// "+1 LAP", or null.
func formatGap(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f == 0 {
			return ""
		}
		return "+" + strconv.FormatFloat(f, 'f', 3, 64)
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return strings.TrimSpace(str)
	}
	return ""
}

package openf1

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pitwall/internal/race"
	logx "pitwall/pkg/logx"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, JolpicaURL: srv.URL + "/ergast/f1", RatePerSec: 1000}, logx.Nop())
}

func fixed(routes map[string]string) http.Handler {
	mux := http.NewServeMux()
	for path, body := range routes {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
	}
	return mux
}

var liveFeeds = map[string]string{
	"/position": `[
		{"date":"2025-09-21T11:40:00.100000+00:00","driver_number":1,"position":1},
		{"date":"2025-09-21T11:40:00.100000+00:00","driver_number":4,"position":2},
		{"date":"2025-09-21T11:40:00.100000+00:00","driver_number":16,"position":3},
		{"date":"2025-09-21T11:52:10.500000+00:00","driver_number":4,"position":3},
		{"date":"2025-09-21T11:52:10.500000+00:00","driver_number":16,"position":2}
	]`,
	"/intervals": `[
		{"date":"2025-09-21T11:52:00+00:00","driver_number":1,"gap_to_leader":0},
		{"date":"2025-09-21T11:52:00+00:00","driver_number":16,"gap_to_leader":1.2041},
		{"date":"2025-09-21T11:52:00+00:00","driver_number":4,"gap_to_leader":"+1 LAP"}
	]`,
	"/laps": `[
		{"date_start":"2025-09-21T11:50:00+00:00","driver_number":1,"lap_number":22,"lap_duration":104.2},
		{"date_start":"2025-09-21T11:51:44+00:00","driver_number":1,"lap_number":23,"lap_duration":null},
		{"date_start":null,"driver_number":4,"lap_number":22,"lap_duration":null},
		{"date_start":"2025-09-21T11:51:45+00:00","driver_number":16,"lap_number":23}
	]`,
	"/stints": `[
		{"driver_number":4,"stint_number":1,"compound":"MEDIUM","lap_start":1},
		{"driver_number":4,"stint_number":2,"compound":"hard","lap_start":22},
		{"driver_number":1,"stint_number":1,"compound":"MEDIUM","lap_start":1}
	]`,
	"/pit": `[
		{"date":"2025-09-21T11:52:05+00:00","driver_number":4,"lap_number":22,"pit_duration":null}
	]`,
	"/race_control": `[
		{"date":"2025-09-21T11:30:00+00:00","category":"Flag","flag":"GREEN","scope":"Track","sector":null,"driver_number":null,"lap_number":1,"message":"GREEN LIGHT - PIT EXIT OPEN"},
		{"date":"2025-09-21T11:45:00+00:00","category":"Other","flag":null,"scope":null,"message":"CAR 16 (LEC) TIME DELETED"}
	]`,
	"/drivers": `[
		{"driver_number":1,"name_acronym":"VER"},
		{"driver_number":4,"name_acronym":"nor"},
		{"driver_number":16,"name_acronym":"LEC"}
	]`,
}

func TestFetchFoldsFeeds(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, fixed(liveFeeds))

	snap, err := c.Fetch(context.Background(), 9158)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	wantSeq := time.Date(2025, 9, 21, 11, 52, 10, 500_000_000, time.UTC).UnixMilli()
	if snap.Seq != wantSeq || snap.SessionKey != 9158 {
		t.Fatalf("seq/session = %d/%d, want %d/9158", snap.Seq, snap.SessionKey, wantSeq)
	}
	want := []race.DriverState{
		{Number: 1, Code: "VER", Position: 1, Lap: 23, Compound: "MEDIUM"},
		{Number: 16, Code: "LEC", Position: 2, Lap: 23, Gap: "+1.204"},
		{Number: 4, Code: "NOR", Position: 3, Lap: 22, Compound: "HARD", InPit: true, Gap: "+1 LAP"},
	}
	if diff := cmp.Diff(want, snap.Drivers); diff != "" {
		t.Fatalf("drivers mismatch (-want +got):\n%s", diff)
	}
	if len(snap.RaceControl) != 2 || snap.RaceControl[0].Flag != "GREEN" || snap.RaceControl[1].Message != "CAR 16 (LEC) TIME DELETED" {
		t.Fatalf("race control = %+v", snap.RaceControl)
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("folded snapshot invalid: %v", err)
	}
}

func TestFetchIsStableForUnchangedFeed(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, fixed(liveFeeds))
	a, err := c.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.Seq != b.Seq {
		t.Fatalf("re-fetch changed seq %d -> %d", a.Seq, b.Seq)
	}
}

func TestFetchErrorKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		h    http.HandlerFunc
		want ErrorKind
	}{
		{"rate limited", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }, KindRateLimited},
		{"not found", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }, KindNotFound},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }, KindNetwork},
		{"garbage", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"oops":`)) }, KindMalformed},
		{"empty session", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"detail":"No results found."}`)) }, KindNotFound},
		{"no timestamps", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/position" {
				_, _ = w.Write([]byte(`[{"date":"","driver_number":1,"position":1}]`))
				return
			}
			_, _ = w.Write([]byte(`[]`))
		}, KindMalformed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.h)
			_, err := c.Fetch(context.Background(), 1)
			if !IsKind(err, tt.want) {
				t.Fatalf("err = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestFetchToleratesMissingIntervals(t *testing.T) {
	t.Parallel()
	routes := map[string]string{}
	for k, v := range liveFeeds {
		if k != "/intervals" {
			routes[k] = v
		}
	}
	c := newTestClient(t, fixed(routes))
	snap, err := c.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(snap.Drivers) != 3 || snap.Drivers[1].Gap != "" {
		t.Fatalf("drivers = %+v", snap.Drivers)
	}
}

const sessions2025 = `[
	{"session_key":9157,"meeting_key":1268,"session_name":"Qualifying","session_type":"Qualifying","date_start":"2025-09-20T12:00:00+00:00","date_end":"2025-09-20T13:00:00+00:00","circuit_short_name":"Baku","country_name":"Azerbaijan","location":"Baku","year":2025},
	{"session_key":9158,"meeting_key":1268,"session_name":"Race","session_type":"Race","date_start":"2025-09-21T11:00:00+00:00","date_end":"2025-09-21T13:00:00+00:00","circuit_short_name":"Baku","country_name":"Azerbaijan","location":"Baku","year":2025},
	{"session_key":9150,"meeting_key":1268,"session_name":"Practice 1","session_type":"Practice","date_start":"2025-09-19T08:30:00+00:00","date_end":"2025-09-19T09:30:00+00:00","circuit_short_name":"Baku","country_name":"Azerbaijan","location":"Baku","year":2025}
]`

func TestSessionResolution(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("year") == "2026" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(sessions2025))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	// ten minutes before lights out counts as current
	now := time.Date(2025, 9, 21, 10, 50, 0, 0, time.UTC)
	s, err := c.LatestSession(ctx, now)
	if err != nil || s.Key != 9158 || s.Kind != race.KindRace {
		t.Fatalf("LatestSession = %+v, %v", s, err)
	}

	s, err = c.NextSession(ctx, time.Date(2025, 9, 20, 0, 0, 0, 0, time.UTC))
	if err != nil || s.Key != 9157 || s.Kind != race.KindQualifying {
		t.Fatalf("NextSession = %+v, %v", s, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("season list fetched %d times, want cached", hits.Load())
	}

	if _, err := c.NextSession(ctx, time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)); !IsKind(err, KindNotFound) {
		t.Fatalf("NextSession after season end err = %v", err)
	}

	weekend, err := c.WeekendSessions(ctx, 1268)
	if err != nil {
		t.Fatalf("WeekendSessions: %v", err)
	}
	got := make([]int, 0, len(weekend))
	for _, s := range weekend {
		got = append(got, s.Key)
	}
	if diff := cmp.Diff([]int{9150, 9157, 9158}, got); diff != "" {
		t.Fatalf("weekend order (-want +got):\n%s", diff)
	}
}

func TestDriverStandings(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, fixed(map[string]string{
		"/ergast/f1/current/driverStandings.json": `{"MRData":{"StandingsTable":{"season":"2025","StandingsLists":[{"DriverStandings":[
			{"position":"1","points":"324","wins":"7","Driver":{"permanentNumber":"81","code":"PIA","givenName":"Oscar","familyName":"Piastri"},"Constructors":[{"name":"McLaren"}]},
			{"position":"2","points":"299","wins":"5","Driver":{"permanentNumber":"4","code":"nor","givenName":"Lando","familyName":"Norris"},"Constructors":[{"name":"McLaren"}]}
		]}]}}}`,
	}))
	got, err := c.DriverStandings(context.Background())
	if err != nil {
		t.Fatalf("DriverStandings: %v", err)
	}
	want := []Standing{
		{Position: 1, Points: "324", Wins: 7, Number: 81, Code: "PIA", Name: "Oscar Piastri", Team: "McLaren"},
		{Position: 2, Points: "299", Wins: 5, Number: 4, Code: "NOR", Name: "Lando Norris", Team: "McLaren"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("standings (-want +got):\n%s", diff)
	}
}

func TestFormatGap(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]string{
		`null`:      "",
		`0`:         "",
		`12.3456`:   "+12.346",
		`"+2 LAPS"`: "+2 LAPS",
	} {
		if got := formatGap([]byte(raw)); got != want {
			t.Fatalf("formatGap(%s) = %q, want %q", raw, got, want)
		}
	}
}

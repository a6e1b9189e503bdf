package openf1

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"time"

	"pitwall/internal/race"
)

// PreSessionBuffer is how early before its scheduled start a session counts as current.
const PreSessionBuffer = 15 * time.Minute

const sessionCacheTTL = 5 * time.Minute

type yearSessions struct {
	at       time.Time
	sessions []race.Session
}

// Sessions lists a season's sessions ordered by start. Results are cached for a few minutes.
func (c *Client) Sessions(ctx context.Context, year int) ([]race.Session, error) {
	c.cacheMu.Lock()
	cached, ok := c.years[year]
	c.cacheMu.Unlock()
	if ok && time.Since(cached.at) < sessionCacheTTL {
		return cached.sessions, nil
	}
	out, err := c.fetchSessions(ctx, url.Values{"year": {strconv.Itoa(year)}})
	if err != nil {
		return nil, err
	}
	c.cacheMu.Lock()
	if c.years == nil {
		c.years = map[int]yearSessions{}
	}
	c.years[year] = yearSessions{at: time.Now(), sessions: out}
	c.cacheMu.Unlock()
	return out, nil
}

// Prewarm refreshes the session cache for the season containing now.
func (c *Client) Prewarm(ctx context.Context, now time.Time) error {
	c.cacheMu.Lock()
	delete(c.years, now.UTC().Year())
	c.cacheMu.Unlock()
	_, err := c.Sessions(ctx, now.UTC().Year())
	return err
}

// LatestSession returns the most recent session that has started, or starts within
// PreSessionBuffer of now.
func (c *Client) LatestSession(ctx context.Context, now time.Time) (race.Session, error) {
	sessions, err := c.Sessions(ctx, now.UTC().Year())
	if err != nil {
		return race.Session{}, err
	}
	cutoff := now.Add(PreSessionBuffer)
	for i := len(sessions) - 1; i >= 0; i-- {
		if !sessions[i].Start.After(cutoff) {
			return sessions[i], nil
		}
	}
	return race.Session{}, &FetchError{Kind: KindNotFound, Endpoint: "sessions", Err: errors.New("no session has started this season")}
}

// NextSession returns the first session starting after now, looking into next season
// when the current one is over.
func (c *Client) NextSession(ctx context.Context, now time.Time) (race.Session, error) {
	year := now.UTC().Year()
	for _, y := range []int{year, year + 1} {
		sessions, err := c.Sessions(ctx, y)
		if err != nil {
			if IsKind(err, KindNotFound) {
				continue
			}
			return race.Session{}, err
		}
		if i := slices.IndexFunc(sessions, func(s race.Session) bool { return s.Start.After(now) }); i >= 0 {
			return sessions[i], nil
		}
	}
	return race.Session{}, &FetchError{Kind: KindNotFound, Endpoint: "sessions", Err: errors.New("no upcoming session")}
}

// WeekendSessions lists every session of a meeting ordered by start.
func (c *Client) WeekendSessions(ctx context.Context, meetingKey int) ([]race.Session, error) {
	out, err := c.fetchSessions(ctx, url.Values{"meeting_key": {strconv.Itoa(meetingKey)}})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &FetchError{Kind: KindNotFound, Endpoint: "sessions", Err: errors.New("meeting has no sessions")}
	}
	return out, nil
}

// Session resolves one session by key.
func (c *Client) Session(ctx context.Context, sessionKey int) (race.Session, error) {
	out, err := c.fetchSessions(ctx, url.Values{"session_key": {strconv.Itoa(sessionKey)}})
	if err != nil {
		return race.Session{}, err
	}
	if len(out) == 0 {
		return race.Session{}, &FetchError{Kind: KindNotFound, Endpoint: "sessions"}
	}
	return out[0], nil
}

func (c *Client) fetchSessions(ctx context.Context, q url.Values) ([]race.Session, error) {
	var rows []sessionRow
	if err := c.openf1(ctx, "sessions", q, &rows); err != nil {
		return nil, err
	}
	out := make([]race.Session, 0, len(rows))
	for _, r := range rows {
		if r.SessionKey <= 0 {
			continue
		}
		start, ok := parseTime(r.DateStart)
		if !ok {
			continue
		}
		end, _ := parseTime(r.DateEnd)
		out = append(out, race.Session{
			Key:        r.SessionKey,
			MeetingKey: r.MeetingKey,
			Name:       r.SessionName,
			Kind:       race.KindOf(r.SessionType, r.SessionName),
			Circuit:    r.CircuitShortName,
			Country:    r.CountryName,
			Location:   r.Location,
			Year:       r.Year,
			Start:      start,
			End:        end,
		})
	}
	slices.SortStableFunc(out, func(a, b race.Session) int { return a.Start.Compare(b.Start) })
	return out, nil
}

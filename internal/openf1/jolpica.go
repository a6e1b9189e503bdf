package openf1

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

const standingsCacheTTL = time.Hour

// Standing is one row of the drivers' championship.
type Standing struct {
	Position int
	Points   string
	Wins     int
	Number   int
	Code     string
	Name     string
	Team     string
}

type standingsCache struct {
	at   time.Time
	rows []Standing
}

type jolpicaStandings struct {
	MRData struct {
		StandingsTable struct {
			Season         string `json:"season"`
			StandingsLists []struct {
				DriverStandings []struct {
					Position     string `json:"position"`
					PositionText string `json:"positionText"`
					Points       string `json:"points"`
					Wins         string `json:"wins"`
					Driver       struct {
						PermanentNumber string `json:"permanentNumber"`
						Code            string `json:"code"`
						GivenName       string `json:"givenName"`
						FamilyName      string `json:"familyName"`
					} `json:"Driver"`
					Constructors []struct {
						Name string `json:"name"`
					} `json:"Constructors"`
				} `json:"DriverStandings"`
			} `json:"StandingsLists"`
		} `json:"StandingsTable"`
	} `json:"MRData"`
}

// DriverStandings returns the current season's drivers' championship. Cached for an hour.
func (c *Client) DriverStandings(ctx context.Context) ([]Standing, error) {
	c.cacheMu.Lock()
	cached := c.standings
	c.cacheMu.Unlock()
	if len(cached.rows) > 0 && time.Since(cached.at) < standingsCacheTTL {
		return cached.rows, nil
	}

	var raw jolpicaStandings
	if err := c.jolpica(ctx, "current/driverStandings.json", &raw); err != nil {
		return nil, err
	}
	lists := raw.MRData.StandingsTable.StandingsLists
	if len(lists) == 0 || len(lists[0].DriverStandings) == 0 {
		return nil, &FetchError{Kind: KindNotFound, Endpoint: "driverStandings", Err: errors.New("no standings published")}
	}

	out := make([]Standing, 0, len(lists[0].DriverStandings))
	for i, ds := range lists[0].DriverStandings {
		pos, err := strconv.Atoi(ds.Position)
		if err != nil {
			pos = i + 1
		}
		num, _ := strconv.Atoi(ds.Driver.PermanentNumber)
		wins, _ := strconv.Atoi(ds.Wins)
		team := ""
		if len(ds.Constructors) > 0 {
			team = ds.Constructors[0].Name
		}
		out = append(out, Standing{
			Position: pos,
			Points:   ds.Points,
			Wins:     wins,
			Number:   num,
			Code:     strings.ToUpper(ds.Driver.Code),
			Name:     strings.TrimSpace(ds.Driver.GivenName + " " + ds.Driver.FamilyName),
			Team:     team,
		})
	}

	c.cacheMu.Lock()
	c.standings = standingsCache{at: time.Now(), rows: out}
	c.cacheMu.Unlock()
	return out, nil
}

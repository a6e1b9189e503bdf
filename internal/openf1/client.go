// Package openf1 reads live timing from the OpenF1 REST API and championship data from
// Jolpica (the Ergast successor). All responses are untrusted and validated before use.
package openf1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "pitwall/pkg/logx"
)

const (
	DefaultBaseURL    = "https://api.openf1.org/v1"
	DefaultJolpicaURL = "https://api.jolpi.ca/ergast/f1"
	DefaultTimeout    = 8 * time.Second
	DefaultRatePerSec = 6

	maxBody = 16 << 20
)

type Config struct {
	BaseURL    string
	JolpicaURL string
	Timeout    time.Duration
	RatePerSec int
	UserAgent  string
}

// ErrorKind classifies fetch failures for the poll loop.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindMalformed   ErrorKind = "malformed"
)

type FetchError struct {
	Kind     ErrorKind
	Endpoint string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString("openf1 ")
	b.WriteString(string(e.Kind))
	if e.Endpoint != "" {
		b.WriteString(" (" + e.Endpoint + ")")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": http %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *FetchError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// Client is safe for concurrent use. All requests share one limiter.
type Client struct {
	mu      sync.RWMutex
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	cacheMu   sync.Mutex
	years     map[int]yearSessions
	standings standingsCache
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{log: log}
	c.Apply(cfg)
	return c
}

// Apply swaps endpoints and limits. In-flight requests finish with the old settings.
func (c *Client) Apply(cfg Config) {
	cfg = normalize(cfg)
	c.cacheMu.Lock()
	c.years = nil
	c.standings = standingsCache{}
	c.cacheMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.http = &http.Client{Timeout: cfg.Timeout}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	c.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	c.limiter.SetBurst(cfg.RatePerSec)
}

func normalize(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.JolpicaURL == "" {
		cfg.JolpicaURL = DefaultJolpicaURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.JolpicaURL = strings.TrimRight(cfg.JolpicaURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pitwall/1"
	}
	return cfg
}

func (c *Client) snapshot() (Config, *http.Client, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.http, c.limiter
}

// openf1 fetches an OpenF1 endpoint into out.
func (c *Client) openf1(ctx context.Context, endpoint string, q url.Values, out any) error {
	cfg, _, _ := c.snapshot()
	return c.get(ctx, endpoint, cfg.BaseURL+"/"+endpoint, q, out)
}

// jolpica fetches a Jolpica path (e.g. "current/driverStandings.json") into out.
func (c *Client) jolpica(ctx context.Context, path string, out any) error {
	cfg, _, _ := c.snapshot()
	return c.get(ctx, path, cfg.JolpicaURL+"/"+strings.TrimLeft(path, "/"), nil, out)
}

func (c *Client) get(ctx context.Context, endpoint, rawURL string, q url.Values, out any) error {
	cfg, hc, lim := c.snapshot()
	if err := lim.Wait(ctx); err != nil {
		return &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &FetchError{Kind: KindMalformed, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", cfg.UserAgent)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	c.log.Trace("openf1 get", logx.String("endpoint", endpoint), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &FetchError{Kind: KindRateLimited, Endpoint: endpoint, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &FetchError{Kind: KindNotFound, Endpoint: endpoint, Status: resp.StatusCode}
	case resp.StatusCode >= 300:
		return &FetchError{Kind: KindNetwork, Endpoint: endpoint, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		// OpenF1 answers {"detail": "No results found."} instead of an empty list.
		if isNoResults(body) {
			return nil
		}
		return &FetchError{Kind: KindMalformed, Endpoint: endpoint, Err: err}
	}
	return nil
}

func isNoResults(body []byte) bool {
	var d struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &d) != nil {
		return false
	}
	return strings.Contains(strings.ToLower(d.Detail), "no results")
}

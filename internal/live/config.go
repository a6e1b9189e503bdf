package live

import (
	"time"

	"pitwall/internal/race"
)

// Defaults for Config fields left zero.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultIdleInterval      = time.Minute
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffMax        = time.Minute
	DefaultUnavailableAfter  = 3
	DefaultFinishTimeout     = 10 * time.Minute
	DefaultStopAfterFinish   = 3 * time.Minute
	DefaultDashboardInterval = 15 * time.Second

	// preSessionBuffer opens the live window this long before a scheduled start.
	preSessionBuffer = 15 * time.Minute
	// overrunAllowance keeps a session current this long past its scheduled end.
	overrunAllowance = time.Hour
)

type Config struct {
	PollInterval      time.Duration
	IdleInterval      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	UnavailableAfter  int
	RetirementCycles  int
	FinishTimeout     time.Duration
	StopAfterFinish   time.Duration
	Dashboard         bool
	DashboardInterval time.Duration
	// Location renders dashboard clocks. Nil means UTC.
	Location *time.Location
}

func normalize(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffBase)
	}
	if cfg.UnavailableAfter <= 0 {
		cfg.UnavailableAfter = DefaultUnavailableAfter
	}
	if cfg.RetirementCycles <= 0 {
		cfg.RetirementCycles = race.DefaultRetirementCycles
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = DefaultFinishTimeout
	}
	if cfg.StopAfterFinish <= 0 {
		cfg.StopAfterFinish = DefaultStopAfterFinish
	}
	if cfg.DashboardInterval <= 0 {
		cfg.DashboardInterval = DefaultDashboardInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return cfg
}

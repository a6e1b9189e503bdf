package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks field syntax. Semantic defaults are applied by the services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	check("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	check("openf1.timeout", cfg.OpenF1.Timeout)

	lv := cfg.Live
	check("live.poll_interval", lv.PollInterval)
	check("live.idle_interval", lv.IdleInterval)
	check("live.backoff_base", lv.BackoffBase)
	check("live.backoff_max", lv.BackoffMax)
	check("live.finish_timeout", lv.FinishTimeout)
	check("live.stop_after_finish", lv.StopAfterFinish)
	check("live.dashboard_interval", lv.DashboardInterval)
	if lv.RetirementCycles < 0 {
		errs = append(errs, errors.New("live.retirement_cycles must be >= 0"))
	}
	if lv.UnavailableAfter < 0 {
		errs = append(errs, errors.New("live.unavailable_after must be >= 0"))
	}

	if d := cfg.Dispatcher; d != nil {
		check("dispatcher.min_interval", d.MinInterval)
		check("dispatcher.retry_base", d.RetryBase)
		check("dispatcher.retry_max_delay", d.RetryMaxDelay)
		check("dispatcher.send_timeout", d.SendTimeout)
		if d.RetryMax < 0 {
			errs = append(errs, errors.New("dispatcher.retry_max must be >= 0"))
		}
	}

	check("ledger.grace", cfg.Ledger.Grace)
	if st := cfg.Ledger.Storage; st != nil {
		check("ledger.storage.busy_timeout", st.BusyTimeout)
		check("ledger.storage.ttl", st.TTL)
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3", "badger":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("ledger.storage.path is required for driver %q", st.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("ledger.storage.driver: unknown driver %q", st.Driver))
		}
	}

	if _, err := ParseLocation(cfg.Scheduler.Timezone, time.Local); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if _, err := ParseLocation(cfg.Display.Timezone, time.UTC); err != nil {
		errs = append(errs, fmt.Errorf("display.timezone: %w", err))
	}
	if n := cfg.NATS; n != nil && n.Enabled && strings.TrimSpace(n.URL) == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	return errors.Join(errs...)
}

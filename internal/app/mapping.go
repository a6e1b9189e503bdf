package app

import (
	"strings"
	"time"

	"pitwall/internal/config"
	"pitwall/internal/dispatch"
	"pitwall/internal/ledger"
	"pitwall/internal/live"
	"pitwall/internal/openf1"
	"pitwall/internal/scheduler"
	"pitwall/internal/storage"
	logx "pitwall/pkg/logx"
)

const (
	defaultSweep   = "@every 10m"
	defaultPrewarm = "@every 30m"
)

// Durations below were checked by config.Validate, so parse errors fall back to defaults.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func displayLocation(cfg *config.Config) *time.Location {
	loc, err := config.ParseLocation(cfg.Display.Timezone, time.UTC)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mapOpenF1(cfg *config.Config) openf1.Config {
	o := cfg.OpenF1
	return openf1.Config{
		BaseURL:    o.BaseURL,
		JolpicaURL: o.JolpicaURL,
		Timeout:    config.DurationOr(o.Timeout, openf1.DefaultTimeout),
		RatePerSec: o.RatePerSec,
		UserAgent:  o.UserAgent,
	}
}

func mapLive(cfg *config.Config) live.Config {
	lv := cfg.Live
	dashboard := true
	if lv.Dashboard != nil {
		dashboard = *lv.Dashboard
	}
	return live.Config{
		PollInterval:      config.DurationOr(lv.PollInterval, 0),
		IdleInterval:      config.DurationOr(lv.IdleInterval, 0),
		BackoffBase:       config.DurationOr(lv.BackoffBase, 0),
		BackoffMax:        config.DurationOr(lv.BackoffMax, 0),
		UnavailableAfter:  lv.UnavailableAfter,
		RetirementCycles:  lv.RetirementCycles,
		FinishTimeout:     config.DurationOr(lv.FinishTimeout, 0),
		StopAfterFinish:   config.DurationOr(lv.StopAfterFinish, 0),
		Dashboard:         dashboard,
		DashboardInterval: config.DurationOr(lv.DashboardInterval, 0),
		Location:          displayLocation(cfg),
	}
}

func mapDispatcher(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatcher
	if d == nil {
		return dispatch.Config{RetryMax: 3}
	}
	retries := d.RetryMax
	if retries == 0 {
		retries = 3
	}
	return dispatch.Config{
		MinInterval:   config.DurationOr(d.MinInterval, 0),
		QueueSize:     d.QueueSize,
		RetryMax:      retries,
		RetryBase:     config.DurationOr(d.RetryBase, 0),
		RetryMaxDelay: config.DurationOr(d.RetryMaxDelay, 0),
		CoalesceMax:   d.CoalesceMax,
		SendTimeout:   config.DurationOr(d.SendTimeout, 0),
	}
}

func mapLedger(cfg *config.Config) ledger.Config {
	return ledger.Config{Grace: config.DurationOr(cfg.Ledger.Grace, ledger.DefaultGrace)}
}

func mapStorage(cfg *config.Config) storage.Config {
	st := cfg.Ledger.Storage
	if st == nil {
		return storage.Config{Driver: "memory"}
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(st.Driver)),
		Path:        strings.TrimSpace(st.Path),
		BusyTimeout: config.DurationOr(st.BusyTimeout, time.Second),
		TTL:         config.DurationOr(st.TTL, storage.DefaultTTL),
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func sweepSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Ledger.Sweep); s != "" {
		return s
	}
	return defaultSweep
}

func prewarmSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Scheduler.Prewarm); s != "" {
		return s
	}
	return defaultPrewarm
}

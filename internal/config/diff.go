package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pitwall/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log fields.
// Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.restart_required", true))
	}
	if !reflect.DeepEqual(oldCfg.Telegram.AllowedChatIDs, newCfg.Telegram.AllowedChatIDs) {
		changed = append(changed, "telegram.allowed_chat_ids")
		attrs = append(attrs, logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedChatIDs)))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level), logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.OpenF1, newCfg.OpenF1) {
		changed = append(changed, "openf1")
		attrs = append(attrs, logx.String("openf1.base_url", newCfg.OpenF1.BaseURL))
	}
	if !reflect.DeepEqual(oldCfg.Live, newCfg.Live) {
		changed = append(changed, "live")
		attrs = append(attrs,
			logx.String("live.poll_interval", newCfg.Live.PollInterval),
			logx.Int("live.retirement_cycles", newCfg.Live.RetirementCycles),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		if d := newCfg.Dispatcher; d != nil {
			attrs = append(attrs, logx.String("dispatcher.min_interval", d.MinInterval), logx.Int("dispatcher.retry_max", d.RetryMax))
		}
	}
	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
		attrs = append(attrs, logx.String("ledger.grace", newCfg.Ledger.Grace))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled), logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Display != newCfg.Display {
		changed = append(changed, "display")
		attrs = append(attrs, logx.String("display.timezone", newCfg.Display.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.NATS, newCfg.NATS) {
		changed = append(changed, "nats")
		attrs = append(attrs, logx.Bool("nats.restart_required", true))
	}
	sort.Strings(changed)
	return changed, attrs
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: debug
  console: true
live:
  poll_interval: 5s
  retirement_cycles: 3
ledger:
  grace: 2h
  storage:
    driver: badger
    path: ./data/ledger
display:
  timezone: UTC+4
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("pitwall.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Live.RetirementCycles != 3 {
		t.Fatalf("retirement_cycles = %d, want 3", cfg.Live.RetirementCycles)
	}
	if cfg.Ledger.Storage == nil || cfg.Ledger.Storage.Driver != "badger" {
		t.Fatalf("storage = %+v", cfg.Ledger.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("pitwall.json", []byte(`{"telegram":{"token":"x"},"bogus":1}`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	_, err = Decode("pitwall.json", []byte(`{"telegram":{"token":"x"}}{}`))
	if err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "missing token", cfg: Config{}, want: "telegram.token"},
		{name: "bad duration", cfg: Config{Telegram: TelegramConfig{Token: "t"}, Live: LiveConfig{PollInterval: "fast"}}, want: "live.poll_interval"},
		{name: "unknown driver", cfg: Config{Telegram: TelegramConfig{Token: "t"}, Ledger: LedgerConfig{Storage: &StorageConfig{Driver: "redis"}}}, want: "unknown driver"},
		{name: "path required", cfg: Config{Telegram: TelegramConfig{Token: "t"}, Ledger: LedgerConfig{Storage: &StorageConfig{Driver: "sqlite"}}}, want: "path is required"},
		{name: "bad tz", cfg: Config{Telegram: TelegramConfig{Token: "t"}, Display: DisplayConfig{Timezone: "Mars/Olympus"}}, want: "display.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseLocation(t *testing.T) {
	t.Parallel()
	ref := time.Date(2025, 4, 27, 11, 0, 0, 0, time.UTC)
	tests := []struct {
		raw    string
		offset int
	}{
		{raw: "UTC+4", offset: 4 * 3600},
		{raw: "utc-3:30", offset: -(3*3600 + 30*60)},
		{raw: "+2", offset: 2 * 3600},
		{raw: "UTC", offset: 0},
	}
	for _, tt := range tests {
		loc, err := ParseLocation(tt.raw, time.UTC)
		if err != nil {
			t.Fatalf("ParseLocation(%q) error: %v", tt.raw, err)
		}
		if _, off := ref.In(loc).Zone(); off != tt.offset {
			t.Fatalf("ParseLocation(%q) offset = %d, want %d", tt.raw, off, tt.offset)
		}
	}
	if _, err := ParseLocation("UTC+99", time.UTC); err == nil {
		t.Fatal("expected error for out-of-range offset")
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pitwall.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get() did not return the committed config")
	}
	changed, _ := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 {
		t.Fatalf("unexpected changes: %v", changed)
	}
	next := *cfg
	next.Live.PollInterval = "3s"
	changed, _ = SummarizeConfigChange(cfg, &next)
	if len(changed) != 1 || changed[0] != "live" {
		t.Fatalf("changed = %v, want [live]", changed)
	}
}

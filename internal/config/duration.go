package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// DurationOr is ParseDurationOrDefault for values that already passed Validate.
func DurationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

var reUTCOffset = regexp.MustCompile(`^(?i)(?:utc|gmt)?\s*([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

// ParseLocation accepts an IANA zone name ("Asia/Baku") or a fixed offset
// ("UTC+4", "utc-03:30", "+2"). Empty means def.
func ParseLocation(raw string, def *time.Location) (*time.Location, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	if strings.EqualFold(s, "utc") || strings.EqualFold(s, "gmt") {
		return time.UTC, nil
	}
	if m := reUTCOffset.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if h > 14 || mins > 59 {
			return nil, fmt.Errorf("invalid utc offset %q", raw)
		}
		off := h*3600 + mins*60
		if m[1] == "-" {
			off = -off
		}
		name := fmt.Sprintf("UTC%s%d", m[1], h)
		if mins != 0 {
			name = fmt.Sprintf("UTC%s%d:%02d", m[1], h, mins)
		}
		return time.FixedZone(name, off), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", raw, err)
	}
	return loc, nil
}

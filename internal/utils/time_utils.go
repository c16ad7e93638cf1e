package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var unitSuffixes = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseStringTime turns config strings such as "30s", "10M" or "2d" into a duration.
// Anything time.ParseDuration understands ("1h30m", "250ms") is accepted as well.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.TrimSpace(strings.ToLower(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	if d, err := time.ParseDuration(timeString); err == nil {
		return d, nil
	}
	unit, ok := unitSuffixes[timeString[len(timeString)-1:]]
	if !ok {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	number, err := strconv.Atoi(timeString[:len(timeString)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s: %w", timeString, err)
	}
	return time.Duration(number) * unit, nil
}

// DurationOr parses timeString and falls back to def when it is empty or malformed.
func DurationOr(timeString string, def time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

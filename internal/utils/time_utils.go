package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime parses durations such as "500ms", "10s", "20M", "48h" or
// "2d". Units are case-insensitive; "" parses to zero.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	if days, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid time string %q: %w", timeString, err)
		}
		return time.Duration(number) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time string %q: %w", timeString, err)
	}
	return d, nil
}

// MustParseStringTime is ParseStringTime for values already validated
func MustParseStringTime(timeString string) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		panic(err)
	}
	return d
}

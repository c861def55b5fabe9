package domain

import (
	"regexp"
	"strconv"
	"strings"
)

var durationPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([hdw]?)$`)

// ParseDurationDays converts a plan duration string into days.
// Accepted forms: "7" (days), "7d", "24h", "1w". Empty input defaults
// to one day; anything else is a ValidationError.
func ParseDurationDays(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 1, nil
	}

	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &ValidationError{Field: "duration", Msg: "invalid duration " + strconv.Quote(s)}
	}

	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, &ValidationError{Field: "duration", Msg: "invalid duration " + strconv.Quote(s)}
	}

	switch m[2] {
	case "h":
		return n / 24, nil
	case "w":
		return n * 7, nil
	default: // bare number or "d"
		return n, nil
	}
}

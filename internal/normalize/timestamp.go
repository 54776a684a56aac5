package normalize

import (
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
}

// zoneLayouts are tried when the timestamp ends in a zone abbreviation.
var zoneLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
}

// zoneOffsets lists the abbreviations with a single meaning, in seconds
// east of UTC. Anything else (CST, IST, BST...) is ambiguous and leaves the
// timestamp invalid.
var zoneOffsets = map[string]int{
	"UTC":  0,
	"GMT":  0,
	"Z":    0,
	"EST":  -5 * 3600,
	"EDT":  -4 * 3600,
	"MST":  -7 * 3600,
	"MDT":  -6 * 3600,
	"PST":  -8 * 3600,
	"PDT":  -7 * 3600,
	"AKST": -9 * 3600,
	"AKDT": -8 * 3600,
	"HST":  -10 * 3600,
	"CET":  1 * 3600,
	"CEST": 2 * 3600,
	"EET":  2 * 3600,
	"EEST": 3 * 3600,
	"JST":  9 * 3600,
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds:
// 1e11 seconds is in the year 5138, 1e11 milliseconds is in 1973.
const epochMillisThreshold = 100_000_000_000

// ParseTimestamp parses the timestamp formats used by the export service
// and returns the instant in UTC. Layouts without a zone are read as UTC.
// A trailing zone abbreviation is resolved through a fixed table, never the
// host's zone database, so the same row gives the same instant everywhere.
// Fractional seconds are accepted after the seconds field of any layout.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		if n >= epochMillisThreshold {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}

	if rest, abbr, ok := splitZone(s); ok {
		offset, known := zoneOffsets[abbr]
		if !known {
			return time.Time{}, false
		}
		loc := time.FixedZone(abbr, offset)
		for _, layout := range zoneLayouts {
			if t, err := time.ParseInLocation(layout, rest, loc); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}

	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// splitZone splits "2024-01-01 10:00:00 PST" into the clock part and an
// upper-case alphabetic zone abbreviation.
func splitZone(s string) (rest, abbr string, ok bool) {
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return "", "", false
	}
	abbr = s[i+1:]
	if abbr == "" {
		return "", "", false
	}
	for j := 0; j < len(abbr); j++ {
		if abbr[j] < 'A' || abbr[j] > 'Z' {
			return "", "", false
		}
	}
	return strings.TrimSpace(s[:i]), abbr, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

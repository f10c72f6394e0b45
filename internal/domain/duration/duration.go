// Package duration parses the compact duration grammar used by capability
// TTLs, memory retention, audit query lookback, and alert windows:
// a positive integer followed by one of s, m, h, d, w.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^(\d+)([smhdw])$`)

// unitScale maps a grammar unit to its length. Days and weeks are fixed
// 24h/168h spans; calendars are out of scope.
var unitScale = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

// Parse converts a compact duration like "30s", "15m", "2h", "7d", or "2w".
func Parse(s string) (time.Duration, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <number><s|m|h|d|w>", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(n) * unitScale[m[2]], nil
}

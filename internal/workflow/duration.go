package workflow

import (
	"math"
	"time"
)

// DefaultWaitTime is used when a waitTime string cannot be parsed.
const DefaultWaitTime = 24 * time.Hour

var waitTimeUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseWaitTime parses a compact duration made of number-unit tokens such as
// "90s", "1h30m" or "2d". Tokens may be separated by whitespace. Units are
// s, m, h and d.
//
// Empty input, an unknown unit, trailing garbage or an overflowing value
// yields DefaultWaitTime with ok set to false.
func ParseWaitTime(s string) (d time.Duration, ok bool) {
	var total time.Duration
	tokens := 0
	i := 0
	for i < len(s) {
		if isSpace(s[i]) {
			i++
			continue
		}

		start := i
		var n int64
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if n > (math.MaxInt64-9)/10 {
				return DefaultWaitTime, false
			}
			n = n*10 + int64(s[i]-'0')
			i++
		}
		if i == start || i == len(s) {
			return DefaultWaitTime, false
		}

		unit, known := waitTimeUnits[s[i]]
		if !known {
			return DefaultWaitTime, false
		}
		i++

		if n > int64(math.MaxInt64/unit) {
			return DefaultWaitTime, false
		}
		part := time.Duration(n) * unit
		if total > math.MaxInt64-part {
			return DefaultWaitTime, false
		}
		total += part
		tokens++
	}

	if tokens == 0 {
		return DefaultWaitTime, false
	}
	return total, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseWaitTime(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   time.Duration
		wantOK bool
	}{
		{"hours and minutes", "1h30m", 5_400_000 * time.Millisecond, true},
		{"days", "2d", 172_800_000 * time.Millisecond, true},
		{"seconds", "90s", 90 * time.Second, true},
		{"all units", "1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second, true},
		{"spaces between tokens", "1h 30m", 90 * time.Minute, true},
		{"zero", "0s", 0, true},
		{"bogus", "bogus", 86_400_000 * time.Millisecond, false},
		{"empty", "", DefaultWaitTime, false},
		{"unknown unit", "5w", DefaultWaitTime, false},
		{"missing unit", "30", DefaultWaitTime, false},
		{"trailing garbage", "1h!", DefaultWaitTime, false},
		{"unit without number", "h", DefaultWaitTime, false},
		{"overflow", "99999999999999999999d", DefaultWaitTime, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseWaitTime(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

package printer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opma4940-coder/mkh-Manus/internal/printer"
)

func TestTimeAgo(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		time     time.Time
		expected string
	}{
		"1 second ago": {
			time:     now.Add(-1 * time.Second),
			expected: "1 second ago (UTC)",
		},
		"30 seconds ago": {
			time:     now.Add(-30 * time.Second),
			expected: "30 seconds ago (UTC)",
		},
		"1 minute ago": {
			time:     now.Add(-1 * time.Minute),
			expected: "1 minute ago (UTC)",
		},
		"45 minutes ago": {
			time:     now.Add(-45 * time.Minute),
			expected: "45 minutes ago (UTC)",
		},
		"1 hour ago": {
			time:     now.Add(-1 * time.Hour),
			expected: "1 hour ago (UTC)",
		},
		"5 hours ago": {
			time:     now.Add(-5 * time.Hour),
			expected: "5 hours ago (UTC)",
		},
		"1 day ago": {
			time:     now.Add(-24 * time.Hour),
			expected: "1 day ago (UTC)",
		},
		"7 days ago": {
			time:     now.Add(-7 * 24 * time.Hour),
			expected: "7 days ago (UTC)",
		},
		"future time": {
			time:     now.Add(5 * time.Minute),
			expected: "in the future (UTC)",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(test.expected, printer.TimeAgo(test.time))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	assert := assert.New(t)

	ts := time.Date(2026, 1, 30, 10, 30, 45, 0, time.UTC)
	assert.Equal("2026-01-30 10:30:45 UTC", printer.FormatTimestamp(ts))
}

func TestFormatSeconds(t *testing.T) {
	tests := map[string]struct {
		input    float64
		expected string
	}{
		"zero": {
			input:    0,
			expected: "0s",
		},
		"negative should clamp to zero": {
			input:    -5,
			expected: "0s",
		},
		"seconds": {
			input:    42,
			expected: "42s",
		},
		"minutes and seconds": {
			input:    192,
			expected: "3m12s",
		},
		"hours and minutes": {
			input:    7500,
			expected: "2h05m",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(test.expected, printer.FormatSeconds(test.input))
		})
	}
}

package marketdata

import (
	"fmt"
	"strings"
	"time"
)

const isoDate = "2006-01-02"

// NormalizeDate converts a calendar date string to canonical YYYY-MM-DD form.
// Exactly three input shapes are recognized: YYYY-MM-DD, YYYYMMDD, and
// YYYY.MM.DD. Anything else is rejected rather than guessed at.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	var layout string
	switch {
	case len(s) == 10 && s[4] == '-' && s[7] == '-':
		layout = isoDate
	case len(s) == 10 && s[4] == '.' && s[7] == '.':
		layout = "2006.01.02"
	case len(s) == 8:
		layout = "20060102"
	default:
		return "", fmt.Errorf("unrecognized date format: %q", s)
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.Format(isoDate), nil
}

// Today returns the current local date in canonical form.
func Today() string {
	return time.Now().Format(isoDate)
}

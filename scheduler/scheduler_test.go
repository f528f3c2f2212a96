package scheduler

import (
	"testing"
	"time"
)

func TestIsWeekend(t *testing.T) {
	cases := []struct {
		date string
		want bool
	}{
		{"2025-11-06", false}, // Thursday
		{"2025-11-07", false}, // Friday
		{"2025-11-08", true},  // Saturday
		{"2025-11-09", true},  // Sunday
		{"2025-11-10", false}, // Monday
	}
	for _, c := range cases {
		d, err := time.Parse("2006-01-02", c.date)
		if err != nil {
			t.Fatalf("bad test date %s: %v", c.date, err)
		}
		if got := isWeekend(d); got != c.want {
			t.Errorf("isWeekend(%s) = %v, want %v", c.date, got, c.want)
		}
	}
}

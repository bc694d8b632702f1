// Package dateutil handles the YYYYMMDD date strings used at the provider
// and ledger boundaries, and the calendar-year partitioning of date ranges.
package dateutil

import (
	"fmt"
	"strings"
	"time"
)

const layout = "20060102"

// Parse converts an YYYYMMDD (or YYYY-MM-DD) string to a UTC midnight time.
func Parse(s string) (time.Time, error) {
	s = strings.ReplaceAll(s, "-", "")
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// Format converts a time to its YYYYMMDD representation.
func Format(t time.Time) string {
	return t.Format(layout)
}

// Day truncates a time to UTC midnight so bar dates compare cleanly.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of the month containing t.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Range is an inclusive date interval.
type Range struct {
	From time.Time
	To   time.Time
}

// SplitByYear partitions the inclusive interval [from, to] into one sub-range
// per calendar year, each clipped to the original bounds. Consecutive ranges
// are contiguous with no gap or overlap; from > to yields an empty slice.
func SplitByYear(from, to time.Time) []Range {
	from, to = Day(from), Day(to)
	if from.After(to) {
		return nil
	}

	var ranges []Range
	for year := from.Year(); year <= to.Year(); year++ {
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		if start.Before(from) {
			start = from
		}
		end := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
		if end.After(to) {
			end = to
		}
		ranges = append(ranges, Range{From: start, To: end})
	}
	return ranges
}

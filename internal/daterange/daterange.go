// Package daterange splits inclusive calendar-date intervals into bounded
// chunks so that each upstream request stays under the provider's row cap.
package daterange

import (
	"fmt"
	"time"
)

// Layout is the calendar-date format used on the wire and in cache keys.
const Layout = "2006-01-02"

// Range is an inclusive interval of calendar dates. Times are truncated to
// midnight UTC; the clock component is ignored everywhere.
type Range struct {
	From time.Time
	To   time.Time
}

// String renders the range as "from_to", the key format used by the query cache.
func (r Range) String() string {
	return FormatDate(r.From) + "_" + FormatDate(r.To)
}

// Days returns the number of calendar days covered, inclusive.
func (r Range) Days() int {
	return int(day(r.To).Sub(day(r.From)).Hours()/24) + 1
}

// StartOfDay returns midnight UTC of the From date.
func (r Range) StartOfDay() time.Time {
	return day(r.From)
}

// EndOfDay returns the last instant of the To date, used as the inclusive
// upper bound for timestamp comparisons.
func (r Range) EndOfDay() time.Time {
	return day(r.To).Add(24*time.Hour - time.Nanosecond)
}

// FormatDate formats t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(Layout)
}

// Parse parses a YYYY-MM-DD date into midnight UTC.
func Parse(s string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// New validates and builds a Range from two YYYY-MM-DD strings.
func New(from, to string) (Range, error) {
	f, err := Parse(from)
	if err != nil {
		return Range{}, err
	}
	t, err := Parse(to)
	if err != nil {
		return Range{}, err
	}
	if f.After(t) {
		return Range{}, fmt.Errorf("from %s is after to %s", from, to)
	}
	return Range{From: f, To: t}, nil
}

// Chunk splits [from, to] into contiguous, non-overlapping ranges of at most
// maxDays calendar days each. The last range is truncated at to. An inverted
// interval yields no ranges. maxDays below 1 is treated as 1.
func Chunk(from, to time.Time, maxDays int) []Range {
	if maxDays < 1 {
		maxDays = 1
	}
	from, to = day(from), day(to)
	if from.After(to) {
		return nil
	}

	var chunks []Range
	for cur := from; !cur.After(to); cur = cur.AddDate(0, 0, maxDays) {
		end := cur.AddDate(0, 0, maxDays-1)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, Range{From: cur, To: end})
	}
	return chunks
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

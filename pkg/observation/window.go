package observation

import (
	"fmt"
	"strings"
	"time"
)

// TimeWindow is an inclusive acquisition time range.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Accepted timestamp layouts, tried in order. All are interpreted as UTC
// when they carry no zone.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp such as 2008-12-01T00:00:00.000.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FormatTime renders t in the layout used for DATE-OBS cards.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayouts[0])
}

// ParseWindow parses a start/end timestamp pair into a validated window.
func ParseWindow(start, end string) (TimeWindow, error) {
	s, err := ParseTime(start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("%w: start: %v", ErrInvalidTimeWindow, err)
	}
	e, err := ParseTime(end)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("%w: end: %v", ErrInvalidTimeWindow, err)
	}
	w := TimeWindow{Start: s, End: e}
	return w, w.Validate()
}

// Validate returns ErrInvalidTimeWindow unless Start is before End.
func (w TimeWindow) Validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidTimeWindow,
			FormatTime(w.Start), FormatTime(w.End))
	}
	return nil
}

// Contains reports whether t lies within the window, bounds included.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Shift returns the window moved by d.
func (w TimeWindow) Shift(d time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start.Add(d), End: w.End.Add(d)}
}

func (w TimeWindow) String() string {
	return FormatTime(w.Start) + "/" + FormatTime(w.End)
}

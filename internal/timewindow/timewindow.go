// Package timewindow computes the next valid business moment for a
// follow-up action. It is pure: no clocks, no stores, no side effects.
package timewindow

import "time"

// Window is an inclusive-exclusive daily working window evaluated in the
// local wall-clock time of a conversation's timezone.
type Window struct {
	StartHour   int
	EndHour     int
	DefaultZone string
}

// Default matches the source system: every day 09:00-22:00.
func Default(defaultZone string) Window {
	return Window{StartHour: 9, EndHour: 22, DefaultZone: defaultZone}
}

// Next returns t unchanged when it already falls inside the working window
// in the given IANA timezone. Before the window it advances to the window
// start the same day; at or after the window end it advances to the window
// start the next calendar day. An unknown timezone falls back to the
// configured default zone, and as a last resort to UTC.
func (w Window) Next(t time.Time, tz string) time.Time {
	loc := w.location(tz)
	local := t.In(loc)

	hour := local.Hour()
	switch {
	case hour >= w.StartHour && hour < w.EndHour:
		return local
	case hour >= w.EndHour:
		next := local.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), w.StartHour, 0, 0, 0, loc)
	default:
		return time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, loc)
	}
}

func (w Window) location(tz string) *time.Location {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if w.DefaultZone != "" {
		if loc, err := time.LoadLocation(w.DefaultZone); err == nil {
			return loc
		}
	}
	return time.UTC
}

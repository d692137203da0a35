// Package dates provides the calendar-day arithmetic shared by the content
// orchestrator and the streak engine. Every caller resolves "today" through
// the same user timezone so the two subsystems never disagree about which
// day a midnight-adjacent event belongs to.
package dates

import (
	"fmt"
	"time"
)

// Layout is the wire and storage format for calendar days.
const Layout = "2006-01-02"

// Location resolves an IANA timezone name, falling back to UTC when the name
// is empty or unknown.
func Location(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

// DayOf returns the calendar day of the instant in the given location.
func DayOf(instant time.Time, location *time.Location) string {
	return instant.In(location).Format(Layout)
}

// PreviousDay returns the calendar day immediately before the given day.
func PreviousDay(day string) (string, error) {
	parsed, err := time.Parse(Layout, day)
	if err != nil {
		return "", fmt.Errorf("dates: invalid day %q: %w", day, err)
	}
	return parsed.AddDate(0, 0, -1).Format(Layout), nil
}

// Before reports whether day a falls strictly before day b. The layout sorts
// lexicographically, so string comparison is exact for well-formed days.
func Before(a, b string) bool {
	return a < b
}

// MinutesOfDay returns minutes elapsed since local midnight for the instant.
func MinutesOfDay(instant time.Time, location *time.Location) int {
	local := instant.In(location)
	return local.Hour()*60 + local.Minute()
}

// ParseClock parses an HH:MM wall-clock value into minutes since midnight.
func ParseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("dates: invalid clock value %q: %w", value, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// Weekday returns the weekday of the instant in the given location.
func Weekday(instant time.Time, location *time.Location) time.Weekday {
	return instant.In(location).Weekday()
}

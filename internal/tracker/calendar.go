package tracker

import (
	"fmt"
	"time"
	_ "time/tzdata" // zone data for minimal container images
)

// DayLayout is the wire and storage format of a Day.
const DayLayout = "2006-01-02"

// Day is a civil calendar date formatted as YYYY-MM-DD.
type Day string

// Time returns midnight UTC of the day.
func (d Day) Time() (time.Time, error) {
	t, err := time.Parse(DayLayout, string(d))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", d, err)
	}
	return t, nil
}

// AddDays shifts the day by n calendar days.
func (d Day) AddDays(n int) (Day, error) {
	t, err := d.Time()
	if err != nil {
		return "", err
	}
	return Day(t.AddDate(0, 0, n).Format(DayLayout)), nil
}

// Calendar maps instants onto calendar days in a fixed location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the named IANA zone. An empty name means UTC.
func NewCalendar(zone string) (Calendar, error) {
	if zone == "" {
		return Calendar{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return Calendar{loc: loc}, nil
}

// Location returns the calendar's zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// DayOf returns the calendar day containing t.
func (c Calendar) DayOf(t time.Time) Day {
	return Day(t.In(c.Location()).Format(DayLayout))
}

// SameDay reports whether a and b fall on the same calendar day.
func (c Calendar) SameDay(a, b time.Time) bool {
	return c.DayOf(a) == c.DayOf(b)
}

// Bounds returns the half-open instant range [start, end) covered by d.
func (c Calendar) Bounds(d Day) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DayLayout, string(d), c.Location())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse day %q: %w", d, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

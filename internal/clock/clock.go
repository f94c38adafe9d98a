// Package clock maps wall-clock instants onto the venue's trading days.
//
// A trading day runs from RollHour on the previous calendar day to RollHour
// on its own calendar date, in the venue's local time zone. The venue trades
// every day except Saturday. All functions are pure.
package clock

import (
	"fmt"
	"time"
	_ "time/tzdata" // venue zones must resolve on hosts without zoneinfo
)

// Defaults for a CME-style venue.
const (
	DefaultTimezone   = "America/Chicago"
	DefaultRollHour   = 17
	DefaultCutoffHour = 8
	DefaultCloseHour  = 16
)

// Phase classifies an instant within its trading day for mark pricing.
type Phase int

const (
	// PhasePreCutoff runs from the day open until CutoffHour.
	PhasePreCutoff Phase = iota
	// PhaseLive runs from CutoffHour until CloseHour.
	PhaseLive
	// PhaseSettled runs from CloseHour until the day rolls.
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhasePreCutoff:
		return "pre_cutoff"
	case PhaseLive:
		return "live"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Clock holds the venue calendar parameters.
type Clock struct {
	Location   *time.Location
	RollHour   int
	CutoffHour int
	CloseHour  int
}

// New returns a Clock for the named IANA zone and hour boundaries.
func New(timezone string, rollHour, cutoffHour, closeHour int) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("clock: load timezone %q: %w", timezone, err)
	}
	if rollHour < 0 || rollHour > 23 || cutoffHour < 0 || cutoffHour > 23 || closeHour < 0 || closeHour > 23 {
		return nil, fmt.Errorf("clock: hours must be within 0-23 (roll=%d cutoff=%d close=%d)", rollHour, cutoffHour, closeHour)
	}
	if cutoffHour > closeHour || closeHour > rollHour {
		return nil, fmt.Errorf("clock: want cutoff <= close <= roll, got cutoff=%d close=%d roll=%d", cutoffHour, closeHour, rollHour)
	}
	return &Clock{Location: loc, RollHour: rollHour, CutoffHour: cutoffHour, CloseHour: closeHour}, nil
}

// Default returns the America/Chicago 17:00 clock.
func Default() *Clock {
	c, err := New(DefaultTimezone, DefaultRollHour, DefaultCutoffHour, DefaultCloseHour)
	if err != nil {
		panic(err)
	}
	return c
}

// TradingDayOf returns the trading day ts belongs to. An instant at or after
// RollHour local time belongs to the next calendar date.
func (c *Clock) TradingDayOf(ts time.Time) Date {
	local := ts.In(c.Location)
	day := NewDate(local.Date())
	if local.Hour() >= c.RollHour {
		return day.AddDays(1)
	}
	return day
}

// IsBusinessDay reports whether the venue trades on d.
func IsBusinessDay(d Date) bool {
	return d.Weekday() != time.Saturday
}

// NextBusinessDay returns the first business day after d. Friday rolls to
// Sunday.
func NextBusinessDay(d Date) Date {
	next := d.AddDays(1)
	for !IsBusinessDay(next) {
		next = next.AddDays(1)
	}
	return next
}

// PrevBusinessDay is the inverse of NextBusinessDay: Sunday goes back to Friday.
func PrevBusinessDay(d Date) Date {
	prev := d.AddDays(-1)
	for !IsBusinessDay(prev) {
		prev = prev.AddDays(-1)
	}
	return prev
}

// DayOpen is the first instant of trading day d.
func (c *Clock) DayOpen(d Date) time.Time {
	return d.AddDays(-1).In(c.Location, c.RollHour)
}

// DayClose is the first instant after trading day d.
func (c *Clock) DayClose(d Date) time.Time {
	return d.In(c.Location, c.RollHour)
}

// PhaseOf reports the pricing phase of ts within its trading day.
func (c *Clock) PhaseOf(ts time.Time) Phase {
	d := c.TradingDayOf(ts)
	switch {
	case ts.Before(d.In(c.Location, c.CutoffHour)):
		return PhasePreCutoff
	case ts.Before(d.In(c.Location, c.CloseHour)):
		return PhaseLive
	default:
		return PhaseSettled
	}
}

// SettledAt returns an instant inside the settled phase of d, used when a day
// is marked at its close.
func (c *Clock) SettledAt(d Date) time.Time {
	return c.DayClose(d).Add(-time.Nanosecond)
}

package clock

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateFormat is the ISO-8601 layout used to persist and print trading days.
const DateFormat = "2006-01-02"

// Date is a calendar day with no time-of-day or zone. The zero value is
// "no date" and reports IsZero.
type Date struct {
	y int
	m time.Month
	d int
}

// NewDate returns a normalized Date, so NewDate(2025, 8, 32) is 2025-09-01.
func NewDate(year int, month time.Month, day int) Date {
	y, m, d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Date()
	return Date{y, m, d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, want %s: %w", s, DateFormat, err)
	}
	return NewDate(t.Date()), nil
}

// MustParseDate is like ParseDate but panics on error.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err.Error())
	}
	return d
}

func (d Date) time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

func (d Date) Year() int { return d.y }
func (d Date) Month() time.Month { return d.m }
func (d Date) Day() int { return d.d }
func (d Date) Weekday() time.Weekday { return d.time().Weekday() }
func (d Date) IsZero() bool { return d == Date{} }
func (d Date) AddDays(n int) Date { return NewDate(d.y, d.m, d.d+n) }
func (d Date) Before(x Date) bool { return d.time().Before(x.time()) }
func (d Date) After(x Date) bool { return d.time().After(x.time()) }
func (d Date) Compare(x Date) int { return d.time().Compare(x.time()) }

// In returns the instant at hour:00 on this calendar day in loc.
func (d Date) In(loc *time.Location, hour int) time.Time {
	return time.Date(d.y, d.m, d.d, hour, 0, 0, 0, loc)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.time().Format(DateFormat)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

var (
	_ json.Marshaler   = Date{}
	_ json.Unmarshaler = (*Date)(nil)
)

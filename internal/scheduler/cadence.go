package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Cadence decides when a job fires next
type Cadence interface {
	// Next returns the first fire time strictly after t, or the zero time
	// when the cadence never fires.
	Next(t time.Time) time.Time
	String() string
}

// Interval fires at a fixed period measured from the previous decision point
type Interval struct {
	Every time.Duration
}

func (i Interval) Next(t time.Time) time.Time {
	if i.Every <= 0 {
		return time.Time{}
	}
	return t.Add(i.Every)
}

func (i Interval) String() string { return "every " + i.Every.String() }

// CalendarRule fires on wall-clock minutes in a location. A minute fires when it
// is at or past MinuteOffset and (minute-MinuteOffset) is a multiple of
// MinuteStep, its hour lies in the inclusive range FromHour..ToHour, and its
// weekday is listed (an empty list means every day). When FromHour > ToHour the
// range wraps midnight, so 17..8 covers 17:00 through 08:59.
type CalendarRule struct {
	MinuteStep   int
	MinuteOffset int
	FromHour     int
	ToHour       int
	Weekdays     []time.Weekday
	Location     *time.Location
}

// Weekdays Monday through Friday
var MonToFri = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// EveryMinutes fires every step minutes within the hour range on the given days
func EveryMinutes(step, fromHour, toHour int, days []time.Weekday, loc *time.Location) CalendarRule {
	return CalendarRule{MinuteStep: step, FromHour: fromHour, ToHour: toHour, Weekdays: days, Location: loc}
}

// Hourly fires at minute 0 of each hour in the range on every day
func Hourly(fromHour, toHour int, loc *time.Location) CalendarRule {
	return CalendarRule{MinuteStep: 60, FromHour: fromHour, ToHour: toHour, Location: loc}
}

// DailyAt fires once a day at hour:minute
func DailyAt(hour, minute int, loc *time.Location) CalendarRule {
	return CalendarRule{MinuteStep: 60, MinuteOffset: minute, FromHour: hour, ToHour: hour, Location: loc}
}

// Validate reports rules that can never fire
func (r CalendarRule) Validate() error {
	if r.MinuteStep < 1 || r.MinuteStep > 60 {
		return fmt.Errorf("minute step %d out of range 1-60", r.MinuteStep)
	}
	if r.MinuteOffset < 0 || r.MinuteOffset > 59 {
		return fmt.Errorf("minute offset %d out of range 0-59", r.MinuteOffset)
	}
	if r.FromHour < 0 || r.FromHour > 23 || r.ToHour < 0 || r.ToHour > 23 {
		return fmt.Errorf("hour range %d-%d out of range 0-23", r.FromHour, r.ToHour)
	}
	return nil
}

// Next scans forward minute by minute, skipping whole hours and days that
// cannot match. Stepping happens on absolute time so DST transitions are
// followed as the location defines them.
func (r CalendarRule) Next(t time.Time) time.Time {
	if r.Validate() != nil {
		return time.Time{}
	}
	loc := r.location()

	c := t.In(loc).Truncate(time.Minute).Add(time.Minute)
	// two weeks of minutes bounds the scan for any valid rule
	for i := 0; i < 14*24*60; i++ {
		if !r.dayMatches(c.Weekday()) {
			y, m, d := c.Date()
			c = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
			continue
		}
		if !r.hourMatches(c.Hour()) {
			c = c.Add(time.Duration(60-c.Minute()) * time.Minute)
			continue
		}
		if r.minuteMatches(c.Minute()) {
			return c
		}
		c = c.Add(time.Minute)
	}
	return time.Time{}
}

func (r CalendarRule) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

func (r CalendarRule) minuteMatches(m int) bool {
	return m >= r.MinuteOffset && (m-r.MinuteOffset)%r.MinuteStep == 0
}

func (r CalendarRule) hourMatches(h int) bool {
	if r.FromHour <= r.ToHour {
		return h >= r.FromHour && h <= r.ToHour
	}
	return h >= r.FromHour || h <= r.ToHour
}

func (r CalendarRule) dayMatches(d time.Weekday) bool {
	if len(r.Weekdays) == 0 {
		return true
	}
	for _, w := range r.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

func (r CalendarRule) String() string {
	var b strings.Builder
	switch {
	case r.MinuteStep == 60:
		fmt.Fprintf(&b, "at minute %d", r.MinuteOffset)
	case r.MinuteStep == 1:
		b.WriteString("every minute")
	default:
		fmt.Fprintf(&b, "every %d minutes", r.MinuteStep)
	}
	if r.FromHour == r.ToHour {
		fmt.Fprintf(&b, ", hour %d", r.FromHour)
	} else {
		fmt.Fprintf(&b, ", hours %d-%d", r.FromHour, r.ToHour)
	}
	if len(r.Weekdays) > 0 {
		days := make([]string, len(r.Weekdays))
		for i, d := range r.Weekdays {
			days[i] = d.String()[:3]
		}
		fmt.Fprintf(&b, ", %s", strings.Join(days, ","))
	}
	fmt.Fprintf(&b, " (%s)", r.location())
	return b.String()
}

// Package cron evaluates cron expressions in a named timezone.
//
// Expressions use the standard five fields (minute hour day-of-month month
// day-of-week) or a descriptor such as @daily, @hourly or @every 15m.
// Parsing is delegated to robfig/cron; the fire-time search walks wall-clock
// time in the schedule's location so DST transitions behave predictably:
//
//   - a fire time inside a skipped hour (spring forward) moves to the first
//     valid instant after the gap, e.g. 02:30 becomes 03:00
//   - a fire time inside a repeated hour (fall back) fires once, at its first
//     occurrence
//
// Everything here is pure; callers pass the reference time.
package cron

import (
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/teranos/reportd/errors"
)

var (
	// ErrInvalidExpression is returned for expressions the parser rejects
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrInvalidTimezone is returned for unknown IANA zone names
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrNoFireTime is returned when an expression never matches (e.g. 30 February)
	ErrNoFireTime = errors.New("cron expression has no upcoming fire time")
)

var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// searchYears bounds the wall-clock walk for expressions that rarely or never match
const searchYears = 5

// starBit is set by the parser on a field written as * or ?
const starBit = 1 << 63

// Expression is a parsed cron expression bound to a location.
type Expression struct {
	raw   string
	loc   *time.Location
	sched cronlib.Schedule
}

// Parse parses expr and resolves tz. An empty tz means UTC.
func Parse(expr, tz string) (*Expression, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.WithHint(errors.Wrap(ErrInvalidExpression, "empty expression"),
			"use five fields: minute hour day-of-month month day-of-week")
	}
	// The timezone is a separate schedule field; an inline one would silently win
	if strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return nil, errors.WithHint(errors.Wrapf(ErrInvalidExpression, "%q", expr),
			"set the schedule's timezone field instead of an inline TZ= prefix")
	}

	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(errors.Mark(err, ErrInvalidExpression), "parse %q", expr),
			"use five fields: minute hour day-of-month month day-of-week, or @daily/@hourly/@every <duration>")
	}
	return &Expression{raw: trimmed, loc: loc, sched: sched}, nil
}

// LoadLocation resolves an IANA timezone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(errors.Mark(err, ErrInvalidTimezone), "load %q", tz),
			"use an IANA zone name such as Europe/Berlin or America/New_York")
	}
	return loc, nil
}

// String returns the expression as parsed
func (e *Expression) String() string { return e.raw }

// Location returns the timezone the expression is evaluated in
func (e *Expression) Location() *time.Location { return e.loc }

// Next returns the first fire time strictly after after, in UTC.
func (e *Expression) Next(after time.Time) (time.Time, error) {
	spec, ok := e.sched.(*cronlib.SpecSchedule)
	if !ok {
		// @every intervals are timezone independent
		next := e.sched.Next(after)
		if next.IsZero() {
			return time.Time{}, errors.Wrapf(ErrNoFireTime, "%q", e.raw)
		}
		return next.UTC(), nil
	}

	local := after.In(e.loc)
	// Wall-clock time is carried in a UTC-located value so arithmetic ignores DST
	wall := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, time.UTC).
		Add(time.Minute)
	limit := wall.Year() + searchYears

	for wall.Year() <= limit {
		if 1<<uint(wall.Month())&spec.Month == 0 {
			wall = time.Date(wall.Year(), wall.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !dayMatches(spec, wall) {
			wall = time.Date(wall.Year(), wall.Month(), wall.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if 1<<uint(wall.Hour())&spec.Hour == 0 {
			wall = wall.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if 1<<uint(wall.Minute())&spec.Minute == 0 {
			wall = wall.Add(time.Minute)
			continue
		}

		if at := resolve(wall, e.loc); at.After(after) {
			return at.UTC(), nil
		}
		// First occurrence of a repeated wall time already passed
		wall = wall.Add(time.Minute)
	}

	return time.Time{}, errors.Wrapf(ErrNoFireTime, "%q within %d years", e.raw, searchYears)
}

// Upcoming returns the next n fire times after after.
func (e *Expression) Upcoming(after time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		next, err := e.Next(t)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}

// NextFireTime returns the first fire time of expr in tz strictly after after.
func NextFireTime(expr, tz string, after time.Time) (time.Time, error) {
	e, err := Parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(after)
}

// Validate rejects expressions that do not parse, unknown timezones and
// expressions that never fire.
func Validate(expr, tz string) error {
	e, err := Parse(expr, tz)
	if err != nil {
		return err
	}
	_, err = e.Next(time.Now())
	return err
}

// dayMatches applies cron's day rule: when either day field is restricted
// and the other is *, both must match; when both are restricted, either may.
func dayMatches(s *cronlib.SpecSchedule, wall time.Time) bool {
	domMatch := 1<<uint(wall.Day())&s.Dom > 0
	dowMatch := 1<<uint(wall.Weekday())&s.Dow > 0
	if s.Dom&starBit > 0 || s.Dow&starBit > 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

// resolve maps a wall-clock time in loc to an instant. Repeated wall times
// resolve to their earliest instant; wall times inside a gap resolve to the
// transition that skipped them.
func resolve(wall time.Time, loc *time.Location) time.Time {
	naive := wall.Unix()

	var candidates []int64
	for _, probe := range []int64{naive - 86400, naive, naive + 86400} {
		_, offset := time.Unix(probe, 0).In(loc).Zone()
		c := naive - int64(offset)
		if sameWall(time.Unix(c, 0).In(loc), wall) {
			candidates = append(candidates, c)
		}
	}

	if len(candidates) > 0 {
		earliest := candidates[0]
		for _, c := range candidates[1:] {
			if c < earliest {
				earliest = c
			}
		}
		return time.Unix(earliest, 0).In(loc)
	}

	// Gap: the pre- and post-transition offsets bracket the transition
	_, before := time.Unix(naive-86400, 0).In(loc).Zone()
	_, after := time.Unix(naive+86400, 0).In(loc).Zone()
	lo, hi := naive-int64(after), naive-int64(before)
	if lo > hi {
		lo, hi = hi, lo
	}
	// Smallest instant whose offset is the post-transition offset
	for lo < hi {
		mid := lo + (hi-lo)/2
		if _, off := time.Unix(mid, 0).In(loc).Zone(); off == after {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return time.Unix(lo, 0).In(loc)
}

func sameWall(t, wall time.Time) bool {
	return t.Year() == wall.Year() && t.Month() == wall.Month() && t.Day() == wall.Day() &&
		t.Hour() == wall.Hour() && t.Minute() == wall.Minute()
}

package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// patternParser reads the six-field expressions time patterns compile to.
// Only the second, minute and hour bitmasks are consulted when matching.
var patternParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// clockTime is a parsed "HH:MM:SS" wall-clock reading.
type clockTime struct {
	hour, minute, second int
	valid                bool
}

// parseClock accepts zero-padded "HH:MM:SS" and "HH:MM" (seconds zero).
// Single-digit hours and surrounding whitespace are rejected.
func parseClock(s string) (clockTime, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if len(s) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return clockTime{hour: t.Hour(), minute: t.Minute(), second: t.Second(), valid: true}, nil
		}
	}
	return clockTime{}, fmt.Errorf("%w: time %q is not HH:MM:SS", ErrInvalidTrigger, s)
}

// matches compares at one-second resolution.
func (c clockTime) matches(now time.Time) bool {
	return c.valid && now.Hour() == c.hour && now.Minute() == c.minute && now.Second() == c.second
}

// NewTimeTrigger builds a TimeTrigger with its clock reading parsed.
func NewTimeTrigger(at string) (TimeTrigger, error) {
	clock, err := parseClock(at)
	if err != nil {
		return TimeTrigger{}, err
	}
	return TimeTrigger{At: at, at: clock}, nil
}

// Matches reports whether now reads exactly At, ignoring sub-second precision.
func (t TimeTrigger) Matches(now time.Time) bool {
	clock := t.at
	if !clock.valid {
		var err error
		if clock, err = parseClock(t.At); err != nil {
			return false
		}
	}
	return clock.matches(now)
}

// NewTimePatternTrigger builds a TimePatternTrigger with its schedule compiled.
func NewTimePatternTrigger(hours, minutes, seconds string) (TimePatternTrigger, error) {
	schedule, err := compileTimePattern(hours, minutes, seconds)
	if err != nil {
		return TimePatternTrigger{}, err
	}
	return TimePatternTrigger{Hours: hours, Minutes: minutes, Seconds: seconds, schedule: schedule}, nil
}

// Matches reports whether the hour, minute and second of now all match.
func (t TimePatternTrigger) Matches(now time.Time) bool {
	schedule := t.schedule
	if schedule == nil {
		var err error
		if schedule, err = compileTimePattern(t.Hours, t.Minutes, t.Seconds); err != nil {
			return false
		}
	}
	return bitSet(schedule.Second, now.Second()) &&
		bitSet(schedule.Minute, now.Minute()) &&
		bitSet(schedule.Hour, now.Hour())
}

func bitSet(mask uint64, n int) bool {
	return mask&(1<<uint(n)) != 0
}

// compileTimePattern turns the three pattern fields into a cron schedule.
func compileTimePattern(hours, minutes, seconds string) (*cron.SpecSchedule, error) {
	h, err := patternField("hours", hours, 23)
	if err != nil {
		return nil, err
	}
	m, err := patternField("minutes", minutes, 59)
	if err != nil {
		return nil, err
	}
	s, err := patternField("seconds", seconds, 59)
	if err != nil {
		return nil, err
	}

	expr := strings.Join([]string{s, m, h, "*", "*", "*"}, " ")
	sched, err := patternParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected schedule %T", ErrInvalidTrigger, sched)
	}
	return spec, nil
}

// patternField converts one field to cron syntax: wildcard ("" or "*"),
// an exact value in [0, max], or "/N" meaning every unit divisible by N.
func patternField(name, field string, maxValue int) (string, error) {
	f := strings.TrimSpace(field)
	switch {
	case f == "" || f == "*":
		return "*", nil
	case strings.HasPrefix(f, "/"):
		n, err := strconv.Atoi(f[1:])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("%w: %s %q: step must be a positive integer", ErrInvalidTrigger, name, field)
		}
		return "*/" + strconv.Itoa(n), nil
	default:
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > maxValue {
			return "", fmt.Errorf("%w: %s %q: want *, /N or 0-%d", ErrInvalidTrigger, name, field, maxValue)
		}
		return strconv.Itoa(n), nil
	}
}

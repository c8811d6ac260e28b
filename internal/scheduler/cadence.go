package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Cadence is the timing rule for a job. Next returns the first fire time
// strictly after the given instant.
type Cadence interface {
	Next(after time.Time) time.Time
	String() string
}

var cronParser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

type interval struct {
	d time.Duration
}

// Every fires at a fixed interval measured from the previous fire.
func Every(d time.Duration) Cadence {
	if d <= 0 {
		d = time.Second
	}
	return interval{d: d}
}

func (i interval) Next(after time.Time) time.Time { return after.Add(i.d) }
func (i interval) String() string                 { return "every " + i.d.String() }

// Interval reports the fixed period of c, if it has one.
func Interval(c Cadence) (time.Duration, bool) {
	if iv, ok := c.(interval); ok {
		return iv.d, true
	}
	return 0, false
}

type dailyAt struct {
	hour, minute int
}

// DailyAt fires once a day at hour:minute in the location of the instant
// passed to Next.
func DailyAt(hour, minute int) Cadence {
	return dailyAt{hour: ((hour % 24) + 24) % 24, minute: ((minute % 60) + 60) % 60}
}

func (d dailyAt) Next(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), d.hour, d.minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d dailyAt) String() string { return fmt.Sprintf("daily %02d:%02d", d.hour, d.minute) }

type cronExpr struct {
	expr  string
	sched rcron.Schedule
}

// Cron parses a standard five-field expression, an optional leading seconds
// field, or a descriptor such as @hourly.
func Cron(expr string) (Cadence, error) {
	expr = strings.TrimSpace(expr)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return cronExpr{expr: expr, sched: sched}, nil
}

// MustCron is Cron for package-level defaults.
func MustCron(expr string) Cadence {
	c, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func (c cronExpr) Next(after time.Time) time.Time { return c.sched.Next(after) }
func (c cronExpr) String() string                 { return "cron " + c.expr }

// ParseCadence reads the textual form used in config files:
//
//	every 2h
//	daily 08:30
//	cron 0 */4 * * *
//
// Anything else is handed to the cron parser as-is.
func ParseCadence(s string) (Cadence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty cadence")
	}
	head, rest, _ := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(head) {
	case "every":
		d, err := time.ParseDuration(rest)
		if err != nil {
			return nil, fmt.Errorf("parse interval %q: %w", rest, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive: %s", rest)
		}
		return Every(d), nil
	case "daily":
		h, m, err := ParseClock(rest)
		if err != nil {
			return nil, err
		}
		return DailyAt(h, m), nil
	case "cron":
		return Cron(rest)
	default:
		return Cron(s)
	}
}

// ParseClock parses HH:MM.
func ParseClock(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time of day %q: bad hour", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q: bad minute", s)
	}
	return hour, minute, nil
}

// Faster returns a cadence that fires factor times as often as c. Only fixed
// intervals can be sped up; other cadences are returned unchanged.
func Faster(c Cadence, factor int) Cadence {
	d, ok := Interval(c)
	if !ok || factor <= 1 {
		return c
	}
	return Every(d / time.Duration(factor))
}

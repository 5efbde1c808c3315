package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrParse is matched by every error returned from Compute.
var ErrParse = errors.New("invalid schedule")

// ParseError describes why a (type, value) pair was rejected.
type ParseError struct {
	Type   Type
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s schedule %q: %s", e.Type, e.Value, e.Reason)
}

// Unwrap lets errors.Is(err, ErrParse) match.
func (e *ParseError) Unwrap() error { return ErrParse }

// Rule is a recurrence computed from a schedule record. Exactly one of the
// shapes is meaningful depending on Kind:
//   - daily: Hour, Minute
//   - weekly: Weekday, Hour, Minute
//   - interval: exactly one of Minutes, Hours, Days is non-zero
type Rule struct {
	Kind    Type
	Hour    int
	Minute  int
	Weekday time.Weekday

	Minutes int
	Hours   int
	Days    int
}

// Interval returns the period of an interval rule, zero for other kinds.
func (r Rule) Interval() time.Duration {
	return time.Duration(r.Minutes)*time.Minute +
		time.Duration(r.Hours)*time.Hour +
		time.Duration(r.Days)*24*time.Hour
}

// Expr renders the rule as a cron expression understood by robfig/cron.
func (r Rule) Expr() string {
	switch r.Kind {
	case TypeDaily:
		return fmt.Sprintf("%d %d * * *", r.Minute, r.Hour)
	case TypeWeekly:
		return fmt.Sprintf("%d %d * * %d", r.Minute, r.Hour, int(r.Weekday))
	case TypeInterval:
		return "@every " + r.Interval().String()
	}
	return ""
}

// Schedule builds the cron schedule for the rule. Daily and weekly rules are
// evaluated in the location of the time passed to Next, which the cron
// runner sets from its configured time zone. Interval rules count from the
// moment the timer is armed.
func (r Rule) Schedule() (cron.Schedule, error) {
	if r.Kind == TypeInterval {
		d := r.Interval()
		if d <= 0 {
			return nil, fmt.Errorf("interval rule has no period")
		}
		return cron.Every(d), nil
	}
	return cron.ParseStandard(r.Expr())
}

// Next returns the first fire time strictly after t, or the zero time if
// the rule cannot be scheduled.
func (r Rule) Next(t time.Time) time.Time {
	s, err := r.Schedule()
	if err != nil {
		return time.Time{}
	}
	return s.Next(t)
}

// Describe renders the rule for humans, e.g. "every Monday at 09:30".
func (r Rule) Describe() string {
	switch r.Kind {
	case TypeDaily:
		return fmt.Sprintf("every day at %02d:%02d", r.Hour, r.Minute)
	case TypeWeekly:
		return fmt.Sprintf("every %s at %02d:%02d", r.Weekday, r.Hour, r.Minute)
	case TypeInterval:
		switch {
		case r.Minutes > 0:
			return fmt.Sprintf("every %d minute(s)", r.Minutes)
		case r.Hours > 0:
			return fmt.Sprintf("every %d hour(s)", r.Hours)
		default:
			return fmt.Sprintf("every %d day(s)", r.Days)
		}
	}
	return string(r.Kind)
}

// maxIntervalCount caps N so that N days still fits in a time.Duration.
const maxIntervalCount = 100000

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

var reInterval = regexp.MustCompile(`^(\d+)([a-z]*)$`)

// ParseType normalises a user supplied schedule type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeDaily, TypeWeekly, TypeInterval:
		return t, nil
	}
	return "", &ParseError{Type: t, Value: "", Reason: "type must be daily, weekly or interval"}
}

// Compute translates a schedule type and value into a Rule. It is pure and
// never looks at the clock.
//
// Accepted values:
//   - daily: "HH:MM" (24h)
//   - weekly: "ddd-HH:MM" with ddd in mon..sun
//   - interval: "<N>m", "<N>h" or "<N>d" with N > 0
func Compute(typ Type, value string) (Rule, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	fail := func(reason string) (Rule, error) {
		return Rule{}, &ParseError{Type: typ, Value: value, Reason: reason}
	}

	switch typ {
	case TypeDaily:
		h, m, reason := parseClock(v)
		if reason != "" {
			return fail(reason)
		}
		return Rule{Kind: TypeDaily, Hour: h, Minute: m}, nil

	case TypeWeekly:
		day, clock, ok := strings.Cut(v, "-")
		if !ok {
			return fail("expected ddd-HH:MM")
		}
		wd, known := weekdays[day]
		if !known {
			return fail(fmt.Sprintf("unknown weekday %q (use mon..sun)", day))
		}
		h, m, reason := parseClock(clock)
		if reason != "" {
			return fail(reason)
		}
		return Rule{Kind: TypeWeekly, Weekday: wd, Hour: h, Minute: m}, nil

	case TypeInterval:
		match := reInterval.FindStringSubmatch(v)
		if match == nil {
			return fail("expected <N>m, <N>h or <N>d")
		}
		n, err := strconv.Atoi(match[1])
		if err != nil || n <= 0 {
			return fail("interval must be a positive integer")
		}
		if n > maxIntervalCount {
			return fail("interval is too large")
		}
		switch match[2] {
		case "m":
			return Rule{Kind: TypeInterval, Minutes: n}, nil
		case "h":
			return Rule{Kind: TypeInterval, Hours: n}, nil
		case "d":
			return Rule{Kind: TypeInterval, Days: n}, nil
		case "":
			return fail("missing unit (m, h or d)")
		default:
			return fail(fmt.Sprintf("unknown unit %q (use m, h or d)", match[2]))
		}
	}

	return fail("type must be daily, weekly or interval")
}

// parseClock parses "HH:MM". It returns a non-empty reason on failure.
func parseClock(s string) (hour, minute int, reason string) {
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, "expected HH:MM"
	}
	if !isDigits(hs) || !isDigits(ms) || len(hs) > 2 || len(ms) != 2 {
		return 0, 0, "expected HH:MM"
	}
	hour, _ = strconv.Atoi(hs)
	minute, _ = strconv.Atoi(ms)
	if hour > 23 {
		return 0, 0, "hour must be between 00 and 23"
	}
	if minute > 59 {
		return 0, 0, "minute must be between 00 and 59"
	}
	return hour, minute, ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

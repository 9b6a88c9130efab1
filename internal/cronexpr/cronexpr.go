// Package cronexpr evaluates five-field cron expressions.
//
// It is a thin, pure wrapper around robfig/cron's parser: no registered
// jobs, no background goroutines. The scheduler loop asks "when does this
// expression fire next?" and nothing else.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidExpression reports a malformed cron expression.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrInvalidTimezone reports an unknown IANA zone name.
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// Strict five fields: minute hour day-of-month month day-of-week.
// No seconds, no @descriptors; the API surface validates expressions at
// create time, so parse errors here must be deterministic.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}
	return loc, nil
}

// Next returns the first instant strictly after `after` at which expr fires,
// evaluated in the given timezone. Resolution is one minute; day-of-month and
// day-of-week have the standard OR semantics (a match on either fires).
func Next(expr string, after time.Time, tz string) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return time.Time{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidExpression, n)
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	// robfig schedules without an explicit TZ evaluate in the location of the
	// time they are given, so converting `after` pins the evaluation zone.
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		// robfig gives up after ~5 years of searching (e.g. "0 0 30 2 *").
		return time.Time{}, fmt.Errorf("%w: expression never fires", ErrInvalidExpression)
	}
	return next, nil
}

// Validate reports whether expr/tz form a usable recurring schedule.
func Validate(expr, tz string) error {
	_, err := Next(expr, time.Now(), tz)
	return err
}

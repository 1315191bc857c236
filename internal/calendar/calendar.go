// Package calendar evaluates pool access policy against priority-ordered
// calendar rules: each ServicePool has a
// list of CalendarRule rows ordered by priority, the first rule whose
// recurrence window covers the instant being checked decides allow/deny,
// and a pool-level fallback applies when nothing matches.
package calendar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

// maxLookback bounds how far before now a rule's recurrence start is
// searched for. UDS calendar rules recur at most weekly, so eight days
// comfortably covers one full cycle plus slack.
const maxLookback = 8 * 24 * time.Hour

// IsAccessAllowed reports whether access to poolID is currently allowed,
// per the pool's calendar rules (already returned in priority order by
// CalendarRepo.RulesForPool) with fallbackAccess applying when no rule's
// window covers now.
func IsAccessAllowed(ctx context.Context, calendars dbstore.CalendarRepo, poolID string, now time.Time, fallbackAccess bool) (bool, error) {
	rules, err := calendars.RulesForPool(ctx, poolID)
	if err != nil {
		return false, fmt.Errorf("calendar: rules for pool %s: %w", poolID, err)
	}
	for _, rule := range rules {
		active, err := windowActive(rule.CronSpec, rule.DurationMinutes, now)
		if err != nil {
			return false, fmt.Errorf("calendar: rule %s: %w", rule.ID, err)
		}
		if active {
			return rule.Access, nil
		}
	}
	return fallbackAccess, nil
}

// windowActive reports whether now falls within [start, start+duration)
// for the most recent past-or-current occurrence of spec's recurrence.
func windowActive(spec string, durationMinutes int, now time.Time) (bool, error) {
	sched, err := parseSchedule(spec)
	if err != nil {
		return false, err
	}
	start, ok := sched.lastOccurrenceBefore(now)
	if !ok {
		return false, nil
	}
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	return !now.Before(start) && now.Before(end), nil
}

// schedule is a parsed 5-field cron-style "start" expression: minute
// hour day-of-month month day-of-week. Each field is a set of accepted
// values, or nil meaning "any".
type schedule struct {
	minutes  fieldSet
	hours    fieldSet
	days     fieldSet
	months   fieldSet
	weekdays fieldSet
}

type fieldSet map[int]struct{}

func (s fieldSet) matches(v int) bool {
	if s == nil {
		return true
	}
	_, ok := s[v]
	return ok
}

func parseSchedule(spec string) (schedule, error) {
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("cron spec %q: expected 5 fields, got %d", spec, len(fields))
	}
	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return schedule{}, err
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return schedule{}, err
	}
	days, err := parseField(fields[2], 1, 31)
	if err != nil {
		return schedule{}, err
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return schedule{}, err
	}
	weekdays, err := parseField(fields[4], 0, 6)
	if err != nil {
		return schedule{}, err
	}
	return schedule{minutes: minutes, hours: hours, days: days, months: months, weekdays: weekdays}, nil
}

// parseField parses one cron field: "*", "*/step", "a-b", "a,b,c", or a
// single value, each within [lo, hi]. A bare "*" returns a nil set
// (matches everything) so callers can skip allocating.
func parseField(raw string, lo, hi int) (fieldSet, error) {
	if raw == "*" {
		return nil, nil
	}
	set := fieldSet{}
	for _, part := range strings.Split(raw, ",") {
		if step := strings.SplitN(part, "/", 2); len(step) == 2 {
			rng := step[0]
			n, err := strconv.Atoi(step[1])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("cron field %q: bad step", raw)
			}
			start, end := lo, hi
			if rng != "*" {
				start, end, err = parseRange(rng, lo, hi)
				if err != nil {
					return nil, err
				}
			}
			for v := start; v <= end; v += n {
				set[v] = struct{}{}
			}
			continue
		}
		if strings.Contains(part, "-") {
			start, end, err := parseRange(part, lo, hi)
			if err != nil {
				return nil, err
			}
			for v := start; v <= end; v++ {
				set[v] = struct{}{}
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < lo || v > hi {
			return nil, fmt.Errorf("cron field %q: value %q out of range [%d,%d]", raw, part, lo, hi)
		}
		set[v] = struct{}{}
	}
	return set, nil
}

func parseRange(part string, lo, hi int) (int, int, error) {
	bounds := strings.SplitN(part, "-", 2)
	if len(bounds) != 2 {
		return 0, 0, fmt.Errorf("cron range %q: malformed", part)
	}
	start, err1 := strconv.Atoi(bounds[0])
	end, err2 := strconv.Atoi(bounds[1])
	if err1 != nil || err2 != nil || start < lo || end > hi || start > end {
		return 0, 0, fmt.Errorf("cron range %q: out of range [%d,%d]", part, lo, hi)
	}
	return start, end, nil
}

// lastOccurrenceBefore walks backwards minute by minute from now (minute
// granularity, seconds truncated) looking for the most recent minute
// matching sched, up to maxLookback. Rule windows are minutes-to-hours
// long and recur at most weekly, so this stays cheap in practice.
func (s schedule) lastOccurrenceBefore(now time.Time) (time.Time, bool) {
	cursor := now.Truncate(time.Minute)
	limit := now.Add(-maxLookback)
	for !cursor.Before(limit) {
		if s.matchesInstant(cursor) {
			return cursor, true
		}
		cursor = cursor.Add(-time.Minute)
	}
	return time.Time{}, false
}

func (s schedule) matchesInstant(t time.Time) bool {
	return s.minutes.matches(t.Minute()) &&
		s.hours.matches(t.Hour()) &&
		s.days.matches(t.Day()) &&
		s.months.matches(int(t.Month())) &&
		s.weekdays.matches(int(t.Weekday()))
}

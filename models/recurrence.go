package models

import (
	"fmt"
	"time"
)

// Advance returns the next occurrence date after date for the interval.
// MONTHLY and YEARLY keep the day of month and clamp it to the last day of
// the target month (Jan 31 -> Feb 28/29, Feb 29 -> Feb 28 in non-leap years).
func Advance(date time.Time, interval RecurringInterval) (time.Time, error) {
	switch interval {
	case RecurringIntervalDaily:
		return date.AddDate(0, 0, 1), nil
	case RecurringIntervalWeekly:
		return date.AddDate(0, 0, 7), nil
	case RecurringIntervalMonthly:
		return addMonthsClamped(date, 1), nil
	case RecurringIntervalYearly:
		return addMonthsClamped(date, 12), nil
	default:
		return time.Time{}, fmt.Errorf("unknown recurring interval %q", interval)
	}
}

// NextDueAfter advances from due until the result is strictly after now.
// A template that missed several periods gets a single occurrence and lands
// on its next future slot.
func NextDueAfter(due time.Time, interval RecurringInterval, now time.Time) (time.Time, error) {
	next, err := Advance(due, interval)
	if err != nil {
		return time.Time{}, err
	}
	for !next.After(now) {
		if next, err = Advance(next, interval); err != nil {
			return time.Time{}, err
		}
	}
	return next, nil
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	// time.Date normalizes month overflow into the year.
	first := time.Date(year, month+time.Month(months), 1, hour, min, sec, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

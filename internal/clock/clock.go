// Package clock provides the time source used by the pipeline, along with
// helpers for aligning timestamps to billing-window boundaries.
package clock

import (
	"time"

	"go.uber.org/fx"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }

// StartOfHour truncates t to the top of its hour in UTC.
func StartOfHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfWeek returns UTC midnight of the first day of the week containing t.
// firstDay is typically time.Sunday.
func StartOfWeek(t time.Time, firstDay time.Weekday) time.Time {
	day := StartOfDay(t)
	offset := (int(day.Weekday()) - int(firstDay) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// StartOfMonth returns UTC midnight of the first day of the month containing t.
func StartOfMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// StartOfQuarter returns UTC midnight of the first day of the calendar quarter
// containing t.
func StartOfQuarter(t time.Time) time.Time {
	u := t.UTC()
	firstMonth := time.Month(((int(u.Month())-1)/3)*3 + 1)
	return time.Date(u.Year(), firstMonth, 1, 0, 0, 0, 0, time.UTC)
}

// StartOfYear returns UTC midnight of January 1st of the year containing t.
func StartOfYear(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

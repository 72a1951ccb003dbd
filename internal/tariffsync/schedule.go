package tariffsync

import (
	"time"

	"github.com/rotisserie/eris"
)

// Cadence describes how often a sync job should run.
type Cadence string

const (
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
	// Annual runs once after the new schedule year starts (January).
	Annual Cadence = "annual"
)

// ParseCadence validates a configured cadence.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(s); c {
	case Daily, Weekly, Monthly, Annual:
		return c, nil
	default:
		return "", eris.Errorf("tariffsync: unknown cadence %q (valid: daily, weekly, monthly, annual)", s)
	}
}

// Due reports whether a job with cadence c whose last success was lastSync
// should run at now.
func (c Cadence) Due(now time.Time, lastSync *time.Time) bool {
	switch c {
	case Daily:
		return DailySchedule(now, lastSync)
	case Weekly:
		return WeeklySchedule(now, lastSync)
	case Monthly:
		return MonthlySchedule(now, lastSync)
	case Annual:
		return AnnualAfter(now, lastSync, time.January)
	default:
		return true
	}
}

// AnnualAfter returns true if a sync is needed for an annual source that
// releases in the given month. Syncs once per year from the release month on.
func AnnualAfter(now time.Time, lastSync *time.Time, releaseMonth time.Month) bool {
	if lastSync == nil {
		return true
	}
	releaseDate := time.Date(now.Year(), releaseMonth, 1, 0, 0, 0, 0, time.UTC)
	return !now.Before(releaseDate) && lastSync.Before(releaseDate)
}

// MonthlySchedule returns true if the last sync was before this month.
func MonthlySchedule(now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return lastSync.Before(thisMonth)
}

// WeeklySchedule returns true if the last sync was before this ISO week.
func WeeklySchedule(now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	// Find the start of the current ISO week (Monday).
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
	return lastSync.Before(weekStart)
}

// DailySchedule returns true if the last sync was before today.
func DailySchedule(now time.Time, lastSync *time.Time) bool {
	if lastSync == nil {
		return true
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return lastSync.Before(today)
}

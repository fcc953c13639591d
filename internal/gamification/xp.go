package gamification

import "time"

// XPPerLevel is the XP span of a single level.
const XPPerLevel = 100

// Level returns floor(xp/100)+1.
func Level(totalXP int) int {
	if totalXP < 0 {
		totalXP = 0
	}
	return totalXP/XPPerLevel + 1
}

// Percent returns round(100*part/whole) with halves rounded up, or 0 when
// whole is 0. Integer arithmetic keeps 12.5 from landing on 12.
func Percent(part, whole int) int {
	if whole <= 0 || part <= 0 {
		return 0
	}
	return (200*part + whole) / (2 * whole)
}

// WeeklyProgress is the share of the weekly goal reached, capped at 100.
func WeeklyProgress(answeredThisWeek, weeklyGoal int) int {
	p := Percent(answeredThisWeek, weeklyGoal)
	if p > 100 {
		return 100
	}
	return p
}

// SecondsToMinutes rounds a duration in seconds to whole minutes.
func SecondsToMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (2*seconds + 60) / 120
}

// StartOfDay truncates t to midnight in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// WeekStart returns Monday 00:00 of the week containing t.
func WeekStart(t time.Time) time.Time {
	day := StartOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

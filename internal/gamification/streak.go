package gamification

import (
	"sort"
	"time"

	"github.com/certano/backend/internal/models"
)

// ComputeStreak walks the attempts newest first and counts a run of
// attempts dated today or yesterday (calendar days in now's location).
// Every attempt is judged against the wall clock on its own, not against
// its neighbours, and any older attempt resets the run to zero. longest is
// the highest run seen; current is the run after the last attempt.
//
// Several attempts on one day each extend the run. Existing user data was
// accumulated under this rule, so it is kept as is.
func ComputeStreak(attempts []models.QuizAttempt, now time.Time) (current, longest int) {
	sorted := make([]models.QuizAttempt, len(attempts))
	copy(sorted, attempts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.After(sorted[j].Date)
	})

	today := StartOfDay(now)
	yesterday := today.AddDate(0, 0, -1)

	run := 0
	for _, a := range sorted {
		day := StartOfDay(a.Date.In(now.Location()))
		if day.Equal(today) || day.Equal(yesterday) {
			run++
		} else {
			run = 0
		}
		if run > longest {
			longest = run
		}
	}
	return run, longest
}

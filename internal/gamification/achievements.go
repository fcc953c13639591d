package gamification

import "github.com/certano/backend/internal/models"

// Badge ids.
const (
	BadgeFirstQuiz      = "first-quiz"
	BadgeStreak3        = "streak-3"
	BadgeStreak7        = "streak-7"
	BadgeStreak30       = "streak-30"
	BadgeAccuracy100    = "accuracy-100"
	BadgeLevel5         = "level-5"
	BadgeLevel10        = "level-10"
	BadgeWeeklyChampion = "weekly-champion"
	BadgeStreakMaster   = "streak-master"
)

// BadgeCatalog is the fixed badge set, in display order. The last two are
// only granted as quest rewards.
var BadgeCatalog = []models.Badge{
	{ID: BadgeFirstQuiz, Name: "First Steps", Description: "Complete your first quiz", Icon: "🎯", Category: "milestone", Rarity: models.RarityCommon},
	{ID: BadgeStreak3, Name: "On Fire", Description: "3-day learning streak", Icon: "🔥", Category: "streak", Rarity: models.RarityCommon},
	{ID: BadgeStreak7, Name: "Week Warrior", Description: "7-day learning streak", Icon: "⚡", Category: "streak", Rarity: models.RarityRare},
	{ID: BadgeStreak30, Name: "Unstoppable", Description: "30-day learning streak", Icon: "💎", Category: "streak", Rarity: models.RarityLegendary},
	{ID: BadgeAccuracy100, Name: "Perfectionist", Description: "Reach 100% overall accuracy", Icon: "✨", Category: "accuracy", Rarity: models.RarityEpic},
	{ID: BadgeLevel5, Name: "Rising Star", Description: "Reach level 5", Icon: "⭐", Category: "level", Rarity: models.RarityRare},
	{ID: BadgeLevel10, Name: "Expert", Description: "Reach level 10", Icon: "🏆", Category: "level", Rarity: models.RarityEpic},
	{ID: BadgeWeeklyChampion, Name: "Weekly Champion", Description: "Complete the weekly question quest", Icon: "👑", Category: "quest", Rarity: models.RarityEpic},
	{ID: BadgeStreakMaster, Name: "Streak Master", Description: "Complete the weekly streak quest", Icon: "🌟", Category: "quest", Rarity: models.RarityLegendary},
}

// NewBadgeSet returns a locked copy of the catalog.
func NewBadgeSet() []models.Badge {
	badges := make([]models.Badge, len(BadgeCatalog))
	copy(badges, BadgeCatalog)
	return badges
}

// EvaluateUnlocks returns the badge ids whose conditions hold for stats.
// The caller skips ids that are already unlocked.
func EvaluateUnlocks(stats models.UserStats) []string {
	var earned []string

	// first-quiz keys off the very first answered question, so a first quiz
	// with several questions does not earn it.
	if stats.TotalQuestionsAnswered == 1 {
		earned = append(earned, BadgeFirstQuiz)
	}

	// Streak milestones
	if stats.CurrentStreak >= 3 {
		earned = append(earned, BadgeStreak3)
	}
	if stats.CurrentStreak >= 7 {
		earned = append(earned, BadgeStreak7)
	}
	if stats.CurrentStreak >= 30 {
		earned = append(earned, BadgeStreak30)
	}

	if stats.AccuracyRate >= 100 {
		earned = append(earned, BadgeAccuracy100)
	}

	// Level milestones
	if stats.CurrentLevel >= 5 {
		earned = append(earned, BadgeLevel5)
	}
	if stats.CurrentLevel >= 10 {
		earned = append(earned, BadgeLevel10)
	}

	return earned
}

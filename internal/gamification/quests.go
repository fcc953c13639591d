package gamification

import (
	"time"

	"github.com/certano/backend/internal/models"
)

// Quest ids.
const (
	QuestDailyQuestions  = "daily-questions"
	QuestDailyStreak     = "daily-streak"
	QuestDailyAccuracy   = "daily-accuracy"
	QuestWeeklyQuestions = "weekly-questions"
	QuestWeeklyStreak    = "weekly-streak"
)

const (
	dailyQuestTTL  = 24 * time.Hour
	weeklyQuestTTL = 7 * 24 * time.Hour
)

// QuestTemplate is one entry of a regenerable quest set.
type QuestTemplate struct {
	ID          string
	Title       string
	Description string
	Category    models.QuestCategory
	Target      int
	Reward      models.QuestReward
}

var DailyQuests = []QuestTemplate{
	{ID: QuestDailyQuestions, Title: "Daily Practice", Description: "Answer 10 questions today", Category: models.QuestCategoryQuestions, Target: 10, Reward: models.QuestReward{XP: 50}},
	{ID: QuestDailyStreak, Title: "Keep the Streak", Description: "Keep your learning streak alive", Category: models.QuestCategoryStreak, Target: 1, Reward: models.QuestReward{XP: 30}},
	{ID: QuestDailyAccuracy, Title: "Sharp Mind", Description: "Reach 80% accuracy today", Category: models.QuestCategoryAccuracy, Target: 80, Reward: models.QuestReward{XP: 40}},
}

var WeeklyQuests = []QuestTemplate{
	{ID: QuestWeeklyQuestions, Title: "Weekly Marathon", Description: "Answer 50 questions this week", Category: models.QuestCategoryQuestions, Target: 50, Reward: models.QuestReward{XP: 200, BadgeID: BadgeWeeklyChampion}},
	{ID: QuestWeeklyStreak, Title: "Seven Days Strong", Description: "Hold a 7-day streak", Category: models.QuestCategoryStreak, Target: 7, Reward: models.QuestReward{XP: 150, BadgeID: BadgeStreakMaster}},
}

// GenerateQuests builds a fresh quest set of the given type, created at now.
// Achievement quests have no generated set.
func GenerateQuests(questType models.QuestType, now time.Time) []models.Quest {
	var (
		templates []QuestTemplate
		ttl       time.Duration
	)
	switch questType {
	case models.QuestDaily:
		templates, ttl = DailyQuests, dailyQuestTTL
	case models.QuestWeekly:
		templates, ttl = WeeklyQuests, weeklyQuestTTL
	default:
		return nil
	}

	expires := now.Add(ttl)
	quests := make([]models.Quest, 0, len(templates))
	for _, t := range templates {
		exp := expires
		quests = append(quests, models.Quest{
			ID:           t.ID,
			Title:        t.Title,
			Description:  t.Description,
			Type:         questType,
			Category:     t.Category,
			Target:       t.Target,
			Reward:       t.Reward,
			CreatedAt:    now,
			ExpiresAt:    &exp,
			IsRepeatable: true,
		})
	}
	return quests
}

// DeriveQuestProgress computes a quest's progress from the attempt log and
// current stats. Attempts before the quest was generated do not count.
func DeriveQuestProgress(q models.Quest, attempts []models.QuizAttempt, stats models.UserStats) int {
	if q.Category == models.QuestCategoryStreak {
		return stats.CurrentStreak
	}

	var answered, correct, xp int
	chapters := make(map[string]struct{})
	for _, a := range attempts {
		if a.Date.Before(q.CreatedAt) {
			continue
		}
		answered += a.QuestionsAnswered
		correct += a.CorrectAnswers
		xp += a.XPEarned
		for _, c := range a.Chapters {
			chapters[c] = struct{}{}
		}
	}

	switch q.Category {
	case models.QuestCategoryQuestions:
		return answered
	case models.QuestCategoryAccuracy:
		return Percent(correct, answered)
	case models.QuestCategoryXP:
		return xp
	case models.QuestCategoryChapters:
		return len(chapters)
	}
	return q.CurrentProgress
}

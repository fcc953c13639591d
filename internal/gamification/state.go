package gamification

import (
	"encoding/json"
	"fmt"

	"github.com/certano/backend/internal/models"
)

// Local state keys. Each key holds one JSON document per user.
const (
	KeyProgress     = "certano-progress"
	KeyGamification = "certano-gamification"
)

// ProgressState is the document stored under KeyProgress.
type ProgressState struct {
	Stats          models.UserStats                `json:"userStats"`
	Attempts       []models.QuizAttempt            `json:"quizAttempts"` // newest first
	Chapters       map[string]models.ChapterStats  `json:"chapters"`
	QuestionErrors map[string]models.QuestionError `json:"questionErrors"`
}

// GamificationState is the document stored under KeyGamification.
type GamificationState struct {
	Quests []models.Quest `json:"quests"`
	Badges []models.Badge `json:"badges"`
}

func newProgressState(weeklyGoal int) ProgressState {
	return ProgressState{
		Stats:          models.NewUserStats(weeklyGoal),
		Attempts:       []models.QuizAttempt{},
		Chapters:       make(map[string]models.ChapterStats),
		QuestionErrors: make(map[string]models.QuestionError),
	}
}

func (p ProgressState) clone() ProgressState {
	out := ProgressState{
		Stats:          p.Stats,
		Attempts:       append([]models.QuizAttempt(nil), p.Attempts...),
		Chapters:       make(map[string]models.ChapterStats, len(p.Chapters)),
		QuestionErrors: make(map[string]models.QuestionError, len(p.QuestionErrors)),
	}
	for k, v := range p.Chapters {
		out.Chapters[k] = v
	}
	for k, v := range p.QuestionErrors {
		out.QuestionErrors[k] = v
	}
	return out
}

func (g GamificationState) clone() GamificationState {
	return GamificationState{
		Quests: append([]models.Quest(nil), g.Quests...),
		Badges: append([]models.Badge(nil), g.Badges...),
	}
}

// decodeProgress rehydrates a stored progress document. A nil document
// yields fresh state.
func decodeProgress(data []byte, weeklyGoal int) (ProgressState, error) {
	p := newProgressState(weeklyGoal)
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ProgressState{}, fmt.Errorf("decode %s: %w", KeyProgress, err)
	}
	if p.Attempts == nil {
		p.Attempts = []models.QuizAttempt{}
	}
	if p.Chapters == nil {
		p.Chapters = make(map[string]models.ChapterStats)
	}
	if p.QuestionErrors == nil {
		p.QuestionErrors = make(map[string]models.QuestionError)
	}
	if p.Stats.WeeklyGoal <= 0 {
		p.Stats.WeeklyGoal = weeklyGoal
	}
	if p.Stats.CurrentLevel == 0 {
		p.Stats.CurrentLevel = Level(p.Stats.TotalXP)
	}
	return p, nil
}

func decodeGamification(data []byte) (GamificationState, error) {
	var g GamificationState
	if len(data) == 0 {
		return g, nil
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return GamificationState{}, fmt.Errorf("decode %s: %w", KeyGamification, err)
	}
	return g, nil
}

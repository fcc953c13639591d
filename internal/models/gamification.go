package models

import "time"

// ── Statistics ────────────────────────────────────────────

// DefaultWeeklyGoal is the weekly question target for a fresh user.
const DefaultWeeklyGoal = 50

type UserStats struct {
	TotalQuestionsAnswered int `json:"totalQuestionsAnswered"`
	TotalCorrectAnswers    int `json:"totalCorrectAnswers"`
	AccuracyRate           int `json:"accuracyRate"`
	TotalXP                int `json:"totalXp"`
	CurrentLevel           int `json:"currentLevel"`
	CurrentStreak          int `json:"currentStreak"`
	LongestStreak          int `json:"longestStreak"`
	TotalTimeSpent         int `json:"totalTimeSpent"` // minutes
	WeeklyGoal             int `json:"weeklyGoal"`
	WeeklyProgress         int `json:"weeklyProgress"` // percent, capped at 100
}

// NewUserStats returns the stats row of a user who has not answered anything yet.
func NewUserStats(weeklyGoal int) UserStats {
	if weeklyGoal <= 0 {
		weeklyGoal = DefaultWeeklyGoal
	}
	return UserStats{CurrentLevel: 1, WeeklyGoal: weeklyGoal}
}

// QuizAttempt is an immutable summary of one completed quiz.
type QuizAttempt struct {
	ID                string    `json:"id"`
	Date              time.Time `json:"date"`
	QuestionsAnswered int       `json:"questionsAnswered"`
	CorrectAnswers    int       `json:"correctAnswers"`
	AccuracyRate      int       `json:"accuracyRate"`
	XPEarned          int       `json:"xpEarned"`
	Chapters          []string  `json:"chapters"`
	TimeSpent         int       `json:"timeSpent"` // seconds
}

type ChapterStats struct {
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	TotalQuestions int       `json:"totalQuestions"`
	CorrectAnswers int       `json:"correctAnswers"`
	Progress       int       `json:"progress"`
	LastPracticed  time.Time `json:"lastPracticed"`
}

type QuestionError struct {
	QuestionID      string     `json:"questionId"`
	Chapter         string     `json:"chapter"`
	ErrorCount      int        `json:"errorCount"`
	LastErrorDate   *time.Time `json:"lastErrorDate,omitempty"`
	LastCorrectDate *time.Time `json:"lastCorrectDate,omitempty"`
	TotalAttempts   int        `json:"totalAttempts"`
	SuccessRate     int        `json:"successRate"`
}

// ── Attempt history (local log vs. remote session rows) ──

// AttemptRecord is either a LocalAttempt from this server's log or a
// RemoteSession read back from the remote store.
type AttemptRecord interface {
	When() time.Time
	RecordID() string
	isAttemptRecord()
}

type LocalAttempt struct {
	Source string `json:"source"` // always "local"
	QuizAttempt
}

func (a LocalAttempt) When() time.Time { return a.Date }
func (a LocalAttempt) RecordID() string { return a.ID }
func (LocalAttempt) isAttemptRecord() {}

// RemoteSession mirrors a quiz_sessions row. Rows written by older clients
// may lack chapters or time spent, so those are optional here.
type RemoteSession struct {
	Source            string    `json:"source"` // always "remote"
	ID                string    `json:"id"`
	CompletedAt       time.Time `json:"completedAt"`
	QuestionsAnswered int       `json:"questionsAnswered"`
	CorrectAnswers    int       `json:"correctAnswers"`
	XPEarned          int       `json:"xpEarned"`
	Chapters          []string  `json:"chapters,omitempty"`
	TimeSpent         *int      `json:"timeSpent,omitempty"`
}

func (s RemoteSession) When() time.Time { return s.CompletedAt }
func (s RemoteSession) RecordID() string { return s.ID }
func (RemoteSession) isAttemptRecord() {}

// ── Quests ────────────────────────────────────────────────

type QuestType string

const (
	QuestDaily       QuestType = "daily"
	QuestWeekly      QuestType = "weekly"
	QuestAchievement QuestType = "achievement"
)

type QuestCategory string

const (
	QuestCategoryQuestions QuestCategory = "questions"
	QuestCategoryStreak    QuestCategory = "streak"
	QuestCategoryAccuracy  QuestCategory = "accuracy"
	QuestCategoryChapters  QuestCategory = "chapters"
	QuestCategoryXP        QuestCategory = "xp"
)

type QuestReward struct {
	XP      int    `json:"xp"`
	BadgeID string `json:"badgeId,omitempty"`
}

type Quest struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Type            QuestType     `json:"type"`
	Category        QuestCategory `json:"category"`
	Target          int           `json:"target"`
	CurrentProgress int           `json:"currentProgress"`
	Reward          QuestReward   `json:"reward"`
	IsCompleted     bool          `json:"isCompleted"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	RewardClaimedAt *time.Time    `json:"rewardClaimedAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       *time.Time    `json:"expiresAt,omitempty"`
	IsRepeatable    bool          `json:"isRepeatable"`
}

// IsActive reports whether the quest still counts as open at now.
func (q Quest) IsActive(now time.Time) bool {
	if q.IsCompleted {
		return false
	}
	return q.ExpiresAt == nil || q.ExpiresAt.After(now)
}

// ── Badges ────────────────────────────────────────────────

type BadgeRarity string

const (
	RarityCommon    BadgeRarity = "common"
	RarityRare      BadgeRarity = "rare"
	RarityEpic      BadgeRarity = "epic"
	RarityLegendary BadgeRarity = "legendary"
)

type Badge struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Icon        string      `json:"icon"`
	Category    string      `json:"category"`
	Rarity      BadgeRarity `json:"rarity"`
	UnlockedAt  *time.Time  `json:"unlockedAt,omitempty"`
}

// ── Request Types ─────────────────────────────────────────

type RecordAttemptRequest struct {
	QuestionsAnswered int      `json:"questionsAnswered" validate:"gt=0"`
	CorrectAnswers    int      `json:"correctAnswers" validate:"gte=0,ltefield=QuestionsAnswered"`
	XPEarned          int      `json:"xpEarned" validate:"gte=0"`
	TimeSpent         int      `json:"timeSpent" validate:"gte=0"`
	Chapters          []string `json:"chapters" validate:"min=1,dive,required"`
}

type RecordAnswerRequest struct {
	QuestionID string `json:"questionId" validate:"required"`
	Chapter    string `json:"chapter" validate:"required"`
	Correct    *bool  `json:"correct" validate:"required"`
}

type SetWeeklyGoalRequest struct {
	WeeklyGoal int `json:"weeklyGoal" validate:"gt=0,lte=1000"`
}

type UpdateQuestProgressRequest struct {
	Value *int `json:"value" validate:"required,gte=0"`
}

// ── Response Types ────────────────────────────────────────

type RecordAttemptResponse struct {
	Attempt        QuizAttempt `json:"attempt"`
	Stats          UserStats   `json:"stats"`
	UnlockedBadges []string    `json:"unlockedBadges"`
}

type RecordAnswerResponse struct {
	Chapter       ChapterStats  `json:"chapter"`
	QuestionError QuestionError `json:"questionError"`
}

type QuestsResponse struct {
	Active    []Quest `json:"active"`
	Completed []Quest `json:"completed"`
}

type QuestCompleteResponse struct {
	Quest          Quest     `json:"quest"`
	Stats          UserStats `json:"stats"`
	UnlockedBadges []string  `json:"unlockedBadges"`
}

type BadgesResponse struct {
	Badges   []Badge `json:"badges"`
	Unlocked []Badge `json:"unlocked"`
}

type HistoryResponse struct {
	Attempts []AttemptRecord `json:"attempts"`
}

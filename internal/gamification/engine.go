package gamification

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certano/backend/internal/models"
)

var (
	ErrInvalidAttempt    = errors.New("invalid quiz attempt")
	ErrInvalidAnswer     = errors.New("invalid answer")
	ErrInvalidWeeklyGoal = errors.New("weekly goal must be between 1 and 1000")
	ErrInvalidProgress   = errors.New("quest progress must not be negative")
	ErrQuestNotFound     = errors.New("quest not found")
	ErrChapterNotFound   = errors.New("chapter not found")
)

// MaxWeeklyGoal bounds the weekly question target.
const MaxWeeklyGoal = 1000

// EngineOptions configures clocks and defaults shared by every engine.
type EngineOptions struct {
	Now        func() time.Time
	Location   *time.Location
	WeeklyGoal int
	NewID      func() string
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.WeeklyGoal <= 0 {
		o.WeeklyGoal = models.DefaultWeeklyGoal
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	return o
}

// Engine owns one user's progress and gamification state. It does no I/O;
// the Service persists snapshots after each mutation. All methods are safe
// for concurrent use and are serialized on the engine's mutex.
type Engine struct {
	mu       sync.Mutex
	opts     EngineOptions
	progress ProgressState
	game     GamificationState
}

// NewEngine returns an engine holding fresh state with the badge catalog seeded.
func NewEngine(opts EngineOptions) *Engine {
	opts = opts.withDefaults()
	return RestoreEngine(newProgressState(opts.WeeklyGoal), GamificationState{}, opts)
}

// RestoreEngine rehydrates an engine from persisted documents.
func RestoreEngine(progress ProgressState, game GamificationState, opts EngineOptions) *Engine {
	e := &Engine{opts: opts.withDefaults(), progress: progress.clone(), game: game.clone()}
	e.initializeBadges()
	return e
}

func (e *Engine) now() time.Time {
	return e.opts.Now().In(e.opts.Location)
}

// Snapshot returns copies of both persisted documents.
func (e *Engine) Snapshot() (ProgressState, GamificationState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress.clone(), e.game.clone()
}

// ── Statistics ──────────────────────────────────────────

func validateAttempt(req models.RecordAttemptRequest) error {
	switch {
	case req.QuestionsAnswered <= 0:
		return fmt.Errorf("%w: questionsAnswered must be greater than 0", ErrInvalidAttempt)
	case req.CorrectAnswers < 0 || req.CorrectAnswers > req.QuestionsAnswered:
		return fmt.Errorf("%w: correctAnswers must be between 0 and questionsAnswered", ErrInvalidAttempt)
	case req.XPEarned < 0:
		return fmt.Errorf("%w: xpEarned must not be negative", ErrInvalidAttempt)
	case req.TimeSpent < 0:
		return fmt.Errorf("%w: timeSpent must not be negative", ErrInvalidAttempt)
	case len(uniqueChapters(req.Chapters)) == 0:
		return fmt.Errorf("%w: chapters must not be empty", ErrInvalidAttempt)
	}
	return nil
}

func uniqueChapters(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// RecordAttempt appends a completed quiz to the log, folds it into the
// stats, recomputes streaks and runs the unlock pass. It returns the stored
// attempt, the stats after the update and any newly unlocked badge ids.
func (e *Engine) RecordAttempt(req models.RecordAttemptRequest) (models.QuizAttempt, models.UserStats, []string, error) {
	if err := validateAttempt(req); err != nil {
		return models.QuizAttempt{}, models.UserStats{}, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	attempt := models.QuizAttempt{
		ID:                e.opts.NewID(),
		Date:              now,
		QuestionsAnswered: req.QuestionsAnswered,
		CorrectAnswers:    req.CorrectAnswers,
		AccuracyRate:      Percent(req.CorrectAnswers, req.QuestionsAnswered),
		XPEarned:          req.XPEarned,
		Chapters:          uniqueChapters(req.Chapters),
		TimeSpent:         req.TimeSpent,
	}
	e.progress.Attempts = append([]models.QuizAttempt{attempt}, e.progress.Attempts...)

	s := &e.progress.Stats
	s.TotalQuestionsAnswered += attempt.QuestionsAnswered
	s.TotalCorrectAnswers += attempt.CorrectAnswers
	s.TotalXP += attempt.XPEarned
	s.TotalTimeSpent += SecondsToMinutes(attempt.TimeSpent)
	s.AccuracyRate = Percent(s.TotalCorrectAnswers, s.TotalQuestionsAnswered)
	s.CurrentLevel = Level(s.TotalXP)
	s.WeeklyProgress = e.weeklyProgress(now)

	current, longest := ComputeStreak(e.progress.Attempts, now)
	s.CurrentStreak = current
	if longest > s.LongestStreak {
		s.LongestStreak = longest
	}

	unlocked := e.applyUnlocks(now)
	return attempt, *s, unlocked, nil
}

func (e *Engine) weeklyProgress(now time.Time) int {
	start := WeekStart(now)
	answered := 0
	for _, a := range e.progress.Attempts {
		if !a.Date.Before(start) {
			answered += a.QuestionsAnswered
		}
	}
	return WeeklyProgress(answered, e.progress.Stats.WeeklyGoal)
}

// Stats returns the current stats. Weekly progress is recomputed against the
// clock so that a new week reads as 0 before the first attempt lands.
func (e *Engine) Stats() models.UserStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.progress.Stats
	s.WeeklyProgress = e.weeklyProgress(e.now())
	return s
}

// SetWeeklyGoal changes the weekly question target.
func (e *Engine) SetWeeklyGoal(goal int) (models.UserStats, error) {
	if goal <= 0 || goal > MaxWeeklyGoal {
		return models.UserStats{}, ErrInvalidWeeklyGoal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress.Stats.WeeklyGoal = goal
	e.progress.Stats.WeeklyProgress = e.weeklyProgress(e.now())
	return e.progress.Stats, nil
}

// Attempts returns up to limit attempts, newest first. limit <= 0 means all.
func (e *Engine) Attempts(limit int) []models.QuizAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.progress.Attempts)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]models.QuizAttempt(nil), e.progress.Attempts[:n]...)
}

// Reset discards all progress, clears quests and relocks every badge.
func (e *Engine) Reset() models.UserStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	goal := e.progress.Stats.WeeklyGoal
	if goal <= 0 {
		goal = e.opts.WeeklyGoal
	}
	e.progress = newProgressState(goal)
	e.game = GamificationState{Badges: NewBadgeSet()}
	return e.progress.Stats
}

// ── Badges ──────────────────────────────────────────────

// initializeBadges seeds the catalog when no badges are stored yet.
func (e *Engine) initializeBadges() {
	if len(e.game.Badges) == 0 {
		e.game.Badges = NewBadgeSet()
	}
}

// unlockBadge stamps unlockedAt on a known, still locked badge.
func (e *Engine) unlockBadge(id string, now time.Time) bool {
	for i := range e.game.Badges {
		b := &e.game.Badges[i]
		if b.ID != id {
			continue
		}
		if b.UnlockedAt != nil {
			return false
		}
		at := now
		b.UnlockedAt = &at
		return true
	}
	return false
}

// applyUnlocks runs EvaluateUnlocks against the current stats and returns
// the ids that were newly unlocked.
func (e *Engine) applyUnlocks(now time.Time) []string {
	unlocked := []string{}
	for _, id := range EvaluateUnlocks(e.progress.Stats) {
		if e.unlockBadge(id, now) {
			unlocked = append(unlocked, id)
		}
	}
	return unlocked
}

// Badges returns every badge in catalog order.
func (e *Engine) Badges() []models.Badge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Badge(nil), e.game.Badges...)
}

// UnlockedBadges returns badges with unlockedAt set, in catalog order.
func (e *Engine) UnlockedBadges() []models.Badge {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []models.Badge{}
	for _, b := range e.game.Badges {
		if b.UnlockedAt != nil {
			out = append(out, b)
		}
	}
	return out
}

// ── Quests ──────────────────────────────────────────────

// EnsureQuests regenerates the quest set of questType when none of that type
// is active. Every stored quest of that type is replaced. It reports whether
// a new set was generated.
func (e *Engine) EnsureQuests(questType models.QuestType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureQuests(questType, e.now())
}

func (e *Engine) ensureQuests(questType models.QuestType, now time.Time) bool {
	for _, q := range e.game.Quests {
		if q.Type == questType && q.IsActive(now) {
			return false
		}
	}
	fresh := GenerateQuests(questType, now)
	if len(fresh) == 0 {
		return false
	}
	kept := make([]models.Quest, 0, len(e.game.Quests)+len(fresh))
	for _, q := range e.game.Quests {
		if q.Type != questType {
			kept = append(kept, q)
		}
	}
	e.game.Quests = append(kept, fresh...)
	return true
}

// EnsureDailyQuests is EnsureQuests for the daily set.
func (e *Engine) EnsureDailyQuests() bool { return e.EnsureQuests(models.QuestDaily) }

// EnsureWeeklyQuests is EnsureQuests for the weekly set.
func (e *Engine) EnsureWeeklyQuests() bool { return e.EnsureQuests(models.QuestWeekly) }

func (e *Engine) findQuest(id string) *models.Quest {
	for i := range e.game.Quests {
		if e.game.Quests[i].ID == id {
			return &e.game.Quests[i]
		}
	}
	return nil
}

// UpdateQuestProgress sets a quest's progress. Reaching the target marks it
// completed once; it does not grant the reward.
func (e *Engine) UpdateQuestProgress(id string, value int) (models.Quest, error) {
	if value < 0 {
		return models.Quest{}, ErrInvalidProgress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.findQuest(id)
	if q == nil {
		return models.Quest{}, ErrQuestNotFound
	}
	e.updateProgress(q, value, e.now())
	return *q, nil
}

func (e *Engine) updateProgress(q *models.Quest, value int, now time.Time) {
	q.CurrentProgress = value
	if value >= q.Target && !q.IsCompleted {
		q.IsCompleted = true
		at := now
		q.CompletedAt = &at
	}
}

// RefreshQuestProgress derives progress for every active quest from the
// attempt log and stats.
func (e *Engine) RefreshQuestProgress() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for i := range e.game.Quests {
		q := &e.game.Quests[i]
		if !q.IsActive(now) {
			continue
		}
		e.updateProgress(q, DeriveQuestProgress(*q, e.progress.Attempts, e.progress.Stats), now)
	}
}

// CompleteQuest grants a quest's reward: XP, level, the reward badge, then
// the unlock pass. The grant is tracked by RewardClaimedAt, not IsCompleted:
// a quest already completed by UpdateQuestProgress still pays out on its
// first CompleteQuest. Later calls return the quest unchanged with no
// unlocked ids.
func (e *Engine) CompleteQuest(id string) (models.Quest, models.UserStats, []string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.findQuest(id)
	if q == nil {
		return models.Quest{}, models.UserStats{}, nil, ErrQuestNotFound
	}
	if q.RewardClaimedAt != nil {
		return *q, e.progress.Stats, []string{}, nil
	}

	now := e.now()
	if !q.IsCompleted {
		q.IsCompleted = true
		at := now
		q.CompletedAt = &at
	}
	claimed := now
	q.RewardClaimedAt = &claimed

	s := &e.progress.Stats
	s.TotalXP += q.Reward.XP
	s.CurrentLevel = Level(s.TotalXP)

	unlocked := []string{}
	if q.Reward.BadgeID != "" && e.unlockBadge(q.Reward.BadgeID, now) {
		unlocked = append(unlocked, q.Reward.BadgeID)
	}
	unlocked = append(unlocked, e.applyUnlocks(now)...)
	return *q, *s, unlocked, nil
}

// ActiveQuests returns quests that are neither completed nor expired.
func (e *Engine) ActiveQuests() []models.Quest {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	out := []models.Quest{}
	for _, q := range e.game.Quests {
		if q.IsActive(now) {
			out = append(out, q)
		}
	}
	return out
}

// CompletedQuests returns quests with isCompleted set.
func (e *Engine) CompletedQuests() []models.Quest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []models.Quest{}
	for _, q := range e.game.Quests {
		if q.IsCompleted {
			out = append(out, q)
		}
	}
	return out
}

// ── Resync ──────────────────────────────────────────────

// ReplaceFromRemote swaps the progress document for one rebuilt from a
// remote snapshot. Quests and badges are local only and stay as they are.
func (e *Engine) ReplaceFromRemote(snap RemoteSnapshot) ProgressState {
	e.mu.Lock()
	defer e.mu.Unlock()

	goal := e.progress.Stats.WeeklyGoal
	p := newProgressState(goal)
	if snap.Stats != nil {
		p.Stats = *snap.Stats
		if p.Stats.WeeklyGoal <= 0 {
			p.Stats.WeeklyGoal = goal
		}
		p.Stats.CurrentLevel = Level(p.Stats.TotalXP)
		p.Stats.AccuracyRate = Percent(p.Stats.TotalCorrectAnswers, p.Stats.TotalQuestionsAnswered)
	}
	for _, c := range snap.Chapters {
		p.Chapters[c.Name] = c
	}

	sessions := append([]models.RemoteSession(nil), snap.Sessions...)
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CompletedAt.After(sessions[j].CompletedAt)
	})
	for _, s := range sessions {
		p.Attempts = append(p.Attempts, AttemptFromSession(s))
	}

	answers := append([]RemoteAnswer(nil), snap.Answers...)
	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].AnsweredAt.Before(answers[j].AnsweredAt)
	})
	for _, a := range answers {
		foldOutcome(p.QuestionErrors, a.QuestionID, a.Chapter, a.Correct, a.AnsweredAt)
	}

	e.progress = p
	return p.clone()
}

// AttemptFromSession converts a remote session row into a log entry.
// Missing optional columns read as zero.
func AttemptFromSession(s models.RemoteSession) models.QuizAttempt {
	spent := 0
	if s.TimeSpent != nil {
		spent = *s.TimeSpent
	}
	chapters := s.Chapters
	if chapters == nil {
		chapters = []string{}
	}
	return models.QuizAttempt{
		ID:                s.ID,
		Date:              s.CompletedAt,
		QuestionsAnswered: s.QuestionsAnswered,
		CorrectAnswers:    s.CorrectAnswers,
		AccuracyRate:      Percent(s.CorrectAnswers, s.QuestionsAnswered),
		XPEarned:          s.XPEarned,
		Chapters:          chapters,
		TimeSpent:         spent,
	}
}

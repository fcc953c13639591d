package gamification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/certano/backend/internal/models"
	"github.com/certano/backend/internal/outbox"
)

// StateStore persists the two local documents of a user.
type StateStore interface {
	Load(ctx context.Context, owner, key string) ([]byte, error)
	Save(ctx context.Context, owner, key string, value []byte) error
}

// RemoteStore is the cross-device mirror. Writes are only issued from the
// outbox; reads serve the explicit resync and the history view.
type RemoteStore interface {
	SaveAttempt(ctx context.Context, userID uuid.UUID, a models.QuizAttempt) error
	SaveUserStats(ctx context.Context, userID uuid.UUID, s models.UserStats) error
	SaveChapterStats(ctx context.Context, userID uuid.UUID, c models.ChapterStats) error
	SaveQuestionAnswer(ctx context.Context, userID uuid.UUID, a RemoteAnswer) error
	ResetUser(ctx context.Context, userID uuid.UUID, fresh models.UserStats) error
	ListSessions(ctx context.Context, userID uuid.UUID, limit int) ([]models.RemoteSession, error)
	LoadSnapshot(ctx context.Context, userID uuid.UUID) (*RemoteSnapshot, error)
}

// Enqueuer accepts best-effort remote writes.
type Enqueuer interface {
	Enqueue(name string, job outbox.Job)
}

type dirtyKeys uint8

const (
	dirtyProgress dirtyKeys = 1 << iota
	dirtyGamification
	dirtyAll = dirtyProgress | dirtyGamification
)

// Service owns one Engine per user, loads it from the state store on first
// use and writes the changed documents back after every mutation.
type Service struct {
	state  StateStore
	remote RemoteStore
	sync   Enqueuer
	logger *slog.Logger
	opts   EngineOptions

	mu    sync.Mutex
	users map[uuid.UUID]*userState
}

// userState orders a user's commits: mutation, local save and remote
// enqueue run under commitMu as one step, so saved documents and queued
// writes follow mutation order.
type userState struct {
	commitMu sync.Mutex
	engine   *Engine
}

func NewService(state StateStore, remote RemoteStore, sync Enqueuer, logger *slog.Logger, opts EngineOptions) *Service {
	return &Service{
		state:  state,
		remote: remote,
		sync:   sync,
		logger: logger.With("component", "gamification"),
		opts:   opts.withDefaults(),
		users:  make(map[uuid.UUID]*userState),
	}
}

// user returns the cached state for userID, rehydrating it on first use.
// Loading happens outside s.mu; when two cold loads race the first stored wins.
func (s *Service) user(ctx context.Context, userID uuid.UUID) (*userState, error) {
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if ok {
		return u, nil
	}

	e, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	u = &userState{engine: e}
	s.users[userID] = u
	return u, nil
}

func (s *Service) load(ctx context.Context, userID uuid.UUID) (*Engine, error) {
	owner := userID.String()
	rawProgress, err := s.state.Load(ctx, owner, KeyProgress)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	rawGame, err := s.state.Load(ctx, owner, KeyGamification)
	if err != nil {
		return nil, fmt.Errorf("load gamification: %w", err)
	}

	progress, err := decodeProgress(rawProgress, s.opts.WeeklyGoal)
	if err != nil {
		return nil, err
	}
	game, err := decodeGamification(rawGame)
	if err != nil {
		return nil, err
	}
	return RestoreEngine(progress, game, s.opts), nil
}

// engine returns the user's engine for read-only use.
func (s *Service) engine(ctx context.Context, userID uuid.UUID) (*Engine, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.engine, nil
}

// commit runs fn with the user's commit lock held. Every mutating
// operation persists and enqueues inside fn.
func (s *Service) commit(ctx context.Context, userID uuid.UUID, fn func(e *Engine) error) error {
	u, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	u.commitMu.Lock()
	defer u.commitMu.Unlock()
	return fn(u.engine)
}

// persist writes the dirty documents. A failed local write is logged; the
// in-memory engine stays authoritative and the next mutation retries it.
func (s *Service) persist(ctx context.Context, userID uuid.UUID, e *Engine, keys dirtyKeys) {
	progress, game := e.Snapshot()
	owner := userID.String()

	save := func(key string, doc interface{}) {
		data, err := json.Marshal(doc)
		if err != nil {
			s.logger.Error("encode local state failed", "user_id", owner, "key", key, "error", err)
			return
		}
		if err := s.state.Save(ctx, owner, key, data); err != nil {
			s.logger.Error("save local state failed", "user_id", owner, "key", key, "error", err)
		}
	}
	if keys&dirtyProgress != 0 {
		save(KeyProgress, progress)
	}
	if keys&dirtyGamification != 0 {
		save(KeyGamification, game)
	}
}

func (s *Service) enqueueStats(userID uuid.UUID, stats models.UserStats) {
	s.sync.Enqueue("user_stats", func(ctx context.Context) error {
		return s.remote.SaveUserStats(ctx, userID, stats)
	})
}

// ── Statistics ──────────────────────────────────────────

func (s *Service) RecordAttempt(ctx context.Context, userID uuid.UUID, req models.RecordAttemptRequest) (*models.RecordAttemptResponse, error) {
	var (
		attempt  models.QuizAttempt
		stats    models.UserStats
		unlocked []string
	)
	err := s.commit(ctx, userID, func(e *Engine) error {
		var err error
		attempt, stats, unlocked, err = e.RecordAttempt(req)
		if err != nil {
			return err
		}
		s.persist(ctx, userID, e, dirtyAll)

		s.sync.Enqueue("quiz_session", func(ctx context.Context) error {
			return s.remote.SaveAttempt(ctx, userID, attempt)
		})
		s.enqueueStats(userID, stats)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(unlocked) > 0 {
		s.logger.Info("badges unlocked", "user_id", userID, "badges", unlocked)
	}
	return &models.RecordAttemptResponse{Attempt: attempt, Stats: stats, UnlockedBadges: unlocked}, nil
}

// RecordAnswer feeds one answered question to the chapter tracker and the
// error ledger.
func (s *Service) RecordAnswer(ctx context.Context, userID uuid.UUID, req models.RecordAnswerRequest) (*models.RecordAnswerResponse, error) {
	if req.Correct == nil {
		return nil, fmt.Errorf("%w: correct is required", ErrInvalidAnswer)
	}
	var (
		chapter models.ChapterStats
		row     models.QuestionError
	)
	err := s.commit(ctx, userID, func(e *Engine) error {
		var err error
		chapter, row, err = e.RecordAnswer(req.QuestionID, req.Chapter, *req.Correct)
		if err != nil {
			return err
		}
		s.persist(ctx, userID, e, dirtyProgress)

		answer := RemoteAnswer{
			QuestionID: row.QuestionID,
			Chapter:    chapter.Name,
			Correct:    *req.Correct,
			AnsweredAt: chapter.LastPracticed,
		}
		s.sync.Enqueue("chapter_stats", func(ctx context.Context) error {
			return s.remote.SaveChapterStats(ctx, userID, chapter)
		})
		s.sync.Enqueue("question_answer", func(ctx context.Context) error {
			return s.remote.SaveQuestionAnswer(ctx, userID, answer)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &models.RecordAnswerResponse{Chapter: chapter, QuestionError: row}, nil
}

func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (models.UserStats, error) {
	e, err := s.engine(ctx, userID)
	if err != nil {
		return models.UserStats{}, err
	}
	return e.Stats(), nil
}

func (s *Service) SetWeeklyGoal(ctx context.Context, userID uuid.UUID, goal int) (models.UserStats, error) {
	var stats models.UserStats
	err := s.commit(ctx, userID, func(e *Engine) error {
		var err error
		stats, err = e.SetWeeklyGoal(goal)
		if err != nil {
			return err
		}
		s.persist(ctx, userID, e, dirtyProgress)
		s.enqueueStats(userID, stats)
		return nil
	})
	if err != nil {
		return models.UserStats{}, err
	}
	return stats, nil
}

func (s *Service) Reset(ctx context.Context, userID uuid.UUID) (models.UserStats, error) {
	var stats models.UserStats
	err := s.commit(ctx, userID, func(e *Engine) error {
		stats = e.Reset()
		s.persist(ctx, userID, e, dirtyAll)
		s.sync.Enqueue("reset", func(ctx context.Context) error {
			return s.remote.ResetUser(ctx, userID, stats)
		})
		return nil
	})
	if err != nil {
		return models.UserStats{}, err
	}
	s.logger.Info("progress reset", "user_id", userID)
	return stats, nil
}

// History merges the local attempt log with remote sessions recorded on
// other devices, newest first. A failing remote read degrades to the local log.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) (*models.HistoryResponse, error) {
	e, err := s.engine(ctx, userID)
	if err != nil {
		return nil, err
	}

	local := e.Attempts(0)
	seen := make(map[string]struct{}, len(local))
	records := make([]models.AttemptRecord, 0, len(local))
	for _, a := range local {
		seen[a.ID] = struct{}{}
		records = append(records, models.LocalAttempt{Source: "local", QuizAttempt: a})
	}

	remote, err := s.remote.ListSessions(ctx, userID, limit)
	if err != nil {
		s.logger.Warn("remote history unavailable", "user_id", userID, "error", err)
	}
	for _, rs := range remote {
		if _, ok := seen[rs.ID]; ok {
			continue
		}
		records = append(records, rs)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].When().After(records[j].When())
	})
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return &models.HistoryResponse{Attempts: records}, nil
}

// ── Chapters and errors ─────────────────────────────────

func (s *Service) Chapters(ctx context.Context, userID uuid.UUID) ([]models.ChapterStats, error) {
	e, err := s.engine(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.Chapters(), nil
}

func (s *Service) Chapter(ctx context.Context, userID uuid.UUID, slug string) (models.ChapterStats, error) {
	e, err := s.engine(ctx, userID)
	if err != nil {
		return models.ChapterStats{}, err
	}
	return e.ChapterBySlug(slug)
}

func (s *Service) TopErrors(ctx context.Context, userID uuid.UUID, chapter string, limit int) ([]models.QuestionError, error) {
	e, err := s.engine(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.TopErrors(chapter, limit), nil
}

// ── Quests ──────────────────────────────────────────────

// Quests regenerates expired daily and weekly sets, refreshes derived
// progress and returns the active and completed lists.
func (s *Service) Quests(ctx context.Context, userID uuid.UUID) (*models.QuestsResponse, error) {
	var resp models.QuestsResponse
	err := s.commit(ctx, userID, func(e *Engine) error {
		if e.EnsureDailyQuests() {
			s.logger.Debug("daily quests generated", "user_id", userID)
		}
		if e.EnsureWeeklyQuests() {
			s.logger.Debug("weekly quests generated", "user_id", userID)
		}
		e.RefreshQuestProgress()
		s.persist(ctx, userID, e, dirtyGamification)

		resp = models.QuestsResponse{Active: e.ActiveQuests(), Completed: e.CompletedQuests()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Service) UpdateQuestProgress(ctx context.Context, userID uuid.UUID, questID string, value int) (models.Quest, error) {
	var q models.Quest
	err := s.commit(ctx, userID, func(e *Engine) error {
		var err error
		q, err = e.UpdateQuestProgress(questID, value)
		if err != nil {
			return err
		}
		s.persist(ctx, userID, e, dirtyGamification)
		return nil
	})
	if err != nil {
		return models.Quest{}, err
	}
	return q, nil
}

func (s *Service) CompleteQuest(ctx context.Context, userID uuid.UUID, questID string) (*models.QuestCompleteResponse, error) {
	var (
		q        models.Quest
		stats    models.UserStats
		unlocked []string
	)
	err := s.commit(ctx, userID, func(e *Engine) error {
		before := e.Stats().TotalXP
		var err error
		q, stats, unlocked, err = e.CompleteQuest(questID)
		if err != nil {
			return err
		}
		s.persist(ctx, userID, e, dirtyAll)
		if stats.TotalXP != before || len(unlocked) > 0 {
			s.enqueueStats(userID, stats)
			s.logger.Info("quest reward granted", "user_id", userID, "quest", q.ID, "xp", q.Reward.XP, "badges", unlocked)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &models.QuestCompleteResponse{Quest: q, Stats: stats, UnlockedBadges: unlocked}, nil
}

// ── Badges ──────────────────────────────────────────────

func (s *Service) Badges(ctx context.Context, userID uuid.UUID) (*models.BadgesResponse, error) {
	e, err := s.engine(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.BadgesResponse{Badges: e.Badges(), Unlocked: e.UnlockedBadges()}, nil
}

// ── Resync ──────────────────────────────────────────────

// Reload replaces local progress with the remote copy. This is the only
// path that reads remote state into the engine.
func (s *Service) Reload(ctx context.Context, userID uuid.UUID) (models.UserStats, error) {
	var (
		snap  *RemoteSnapshot
		stats models.UserStats
	)
	err := s.commit(ctx, userID, func(e *Engine) error {
		var err error
		snap, err = s.remote.LoadSnapshot(ctx, userID)
		if err != nil {
			return fmt.Errorf("load remote snapshot: %w", err)
		}
		e.ReplaceFromRemote(*snap)
		s.persist(ctx, userID, e, dirtyProgress)
		stats = e.Stats()
		return nil
	})
	if err != nil {
		return models.UserStats{}, err
	}
	s.logger.Info("progress reloaded from remote", "user_id", userID,
		"sessions", len(snap.Sessions), "chapters", len(snap.Chapters), "answers", len(snap.Answers))
	return stats, nil
}

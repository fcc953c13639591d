package gamification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/certano/backend/internal/models"
)

// RemoteAnswer is one question_answers row.
type RemoteAnswer struct {
	QuestionID string
	Chapter    string
	Correct    bool
	AnsweredAt time.Time
}

// RemoteSnapshot is everything the remote store holds for one user.
type RemoteSnapshot struct {
	Stats    *models.UserStats
	Chapters []models.ChapterStats
	Sessions []models.RemoteSession
	Answers  []RemoteAnswer
}

// Store is the Postgres mirror of gamification state.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ── Writes (called from the outbox) ─────────────────────

func (s *Store) SaveAttempt(ctx context.Context, userID uuid.UUID, a models.QuizAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quiz_sessions
		    (id, user_id, completed_at, questions_answered, correct_answers, xp_earned, chapters, time_spent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, userID, a.Date, a.QuestionsAnswered, a.CorrectAnswers, a.XPEarned,
		pq.Array(a.Chapters), a.TimeSpent,
	)
	if err != nil {
		return fmt.Errorf("insert quiz session: %w", err)
	}
	return nil
}

func (s *Store) SaveUserStats(ctx context.Context, userID uuid.UUID, st models.UserStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_stats
		    (user_id, total_questions_answered, total_correct_answers, accuracy_rate,
		     total_xp, current_level, current_streak, longest_streak,
		     total_time_spent, weekly_goal, weekly_progress, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		    total_questions_answered = EXCLUDED.total_questions_answered,
		    total_correct_answers = EXCLUDED.total_correct_answers,
		    accuracy_rate = EXCLUDED.accuracy_rate,
		    total_xp = EXCLUDED.total_xp,
		    current_level = EXCLUDED.current_level,
		    current_streak = EXCLUDED.current_streak,
		    longest_streak = EXCLUDED.longest_streak,
		    total_time_spent = EXCLUDED.total_time_spent,
		    weekly_goal = EXCLUDED.weekly_goal,
		    weekly_progress = EXCLUDED.weekly_progress,
		    updated_at = NOW()`,
		userID, st.TotalQuestionsAnswered, st.TotalCorrectAnswers, st.AccuracyRate,
		st.TotalXP, st.CurrentLevel, st.CurrentStreak, st.LongestStreak,
		st.TotalTimeSpent, st.WeeklyGoal, st.WeeklyProgress,
	)
	if err != nil {
		return fmt.Errorf("upsert user stats: %w", err)
	}
	return nil
}

func (s *Store) SaveChapterStats(ctx context.Context, userID uuid.UUID, c models.ChapterStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapter_stats
		    (user_id, chapter_name, slug, total_questions, correct_answers, progress, last_practiced)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, chapter_name) DO UPDATE SET
		    slug = EXCLUDED.slug,
		    total_questions = EXCLUDED.total_questions,
		    correct_answers = EXCLUDED.correct_answers,
		    progress = EXCLUDED.progress,
		    last_practiced = EXCLUDED.last_practiced`,
		userID, c.Name, c.Slug, c.TotalQuestions, c.CorrectAnswers, c.Progress, c.LastPracticed,
	)
	if err != nil {
		return fmt.Errorf("upsert chapter stats: %w", err)
	}
	return nil
}

func (s *Store) SaveQuestionAnswer(ctx context.Context, userID uuid.UUID, a RemoteAnswer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO question_answers (user_id, question_id, chapter, is_correct, answered_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, a.QuestionID, a.Chapter, a.Correct, a.AnsweredAt,
	)
	if err != nil {
		return fmt.Errorf("insert question answer: %w", err)
	}
	return nil
}

// ResetUser removes a user's mirrored progress and writes a fresh stats row.
func (s *Store) ResetUser(ctx context.Context, userID uuid.UUID, fresh models.UserStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM question_answers WHERE user_id = $1`,
		`DELETE FROM quiz_sessions WHERE user_id = $1`,
		`DELETE FROM chapter_stats WHERE user_id = $1`,
		`DELETE FROM user_stats WHERE user_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("reset user data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return s.SaveUserStats(ctx, userID, fresh)
}

// ── Reads (resync and history) ──────────────────────────

func (s *Store) ListSessions(ctx context.Context, userID uuid.UUID, limit int) ([]models.RemoteSession, error) {
	query := `SELECT id, completed_at, questions_answered, correct_answers, xp_earned, chapters, time_spent
		 FROM quiz_sessions WHERE user_id = $1
		 ORDER BY completed_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quiz sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.RemoteSession{}
	for rows.Next() {
		var (
			rs       models.RemoteSession
			chapters []string
			spent    sql.NullInt64
		)
		if err := rows.Scan(&rs.ID, &rs.CompletedAt, &rs.QuestionsAnswered, &rs.CorrectAnswers,
			&rs.XPEarned, pq.Array(&chapters), &spent); err != nil {
			return nil, fmt.Errorf("scan quiz session: %w", err)
		}
		rs.Source = "remote"
		rs.Chapters = chapters
		if spent.Valid {
			v := int(spent.Int64)
			rs.TimeSpent = &v
		}
		sessions = append(sessions, rs)
	}
	return sessions, rows.Err()
}

func (s *Store) LoadSnapshot(ctx context.Context, userID uuid.UUID) (*RemoteSnapshot, error) {
	snap := &RemoteSnapshot{}

	var st models.UserStats
	err := s.db.QueryRowContext(ctx,
		`SELECT total_questions_answered, total_correct_answers, accuracy_rate,
		        total_xp, current_level, current_streak, longest_streak,
		        total_time_spent, weekly_goal, weekly_progress
		 FROM user_stats WHERE user_id = $1`,
		userID,
	).Scan(&st.TotalQuestionsAnswered, &st.TotalCorrectAnswers, &st.AccuracyRate,
		&st.TotalXP, &st.CurrentLevel, &st.CurrentStreak, &st.LongestStreak,
		&st.TotalTimeSpent, &st.WeeklyGoal, &st.WeeklyProgress)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("get user stats: %w", err)
	default:
		snap.Stats = &st
	}

	chapterRows, err := s.db.QueryContext(ctx,
		`SELECT chapter_name, slug, total_questions, correct_answers, progress, last_practiced
		 FROM chapter_stats WHERE user_id = $1 ORDER BY chapter_name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chapter stats: %w", err)
	}
	for chapterRows.Next() {
		var c models.ChapterStats
		if err := chapterRows.Scan(&c.Name, &c.Slug, &c.TotalQuestions, &c.CorrectAnswers,
			&c.Progress, &c.LastPracticed); err != nil {
			chapterRows.Close()
			return nil, fmt.Errorf("scan chapter stats: %w", err)
		}
		snap.Chapters = append(snap.Chapters, c)
	}
	chapterRows.Close()
	if err := chapterRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapter stats: %w", err)
	}

	snap.Sessions, err = s.ListSessions(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	answerRows, err := s.db.QueryContext(ctx,
		`SELECT question_id, chapter, is_correct, answered_at
		 FROM question_answers WHERE user_id = $1 ORDER BY answered_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query question answers: %w", err)
	}
	defer answerRows.Close()
	for answerRows.Next() {
		var a RemoteAnswer
		if err := answerRows.Scan(&a.QuestionID, &a.Chapter, &a.Correct, &a.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan question answer: %w", err)
		}
		snap.Answers = append(snap.Answers, a)
	}
	if err := answerRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question answers: %w", err)
	}

	return snap, nil
}

package gamification

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/certano/backend/internal/models"
)

// RecordQuestionOutcome updates the error ledger row of one question.
func (e *Engine) RecordQuestionOutcome(questionID, chapter string, correct bool) (models.QuestionError, error) {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return models.QuestionError{}, fmt.Errorf("%w: questionId is required", ErrInvalidAnswer)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return foldOutcome(e.progress.QuestionErrors, questionID, chapter, correct, e.now()), nil
}

// RecordAnswer applies one answered question to its chapter and to the
// error ledger. Both fields are checked before either is touched.
func (e *Engine) RecordAnswer(questionID, chapter string, correct bool) (models.ChapterStats, models.QuestionError, error) {
	questionID = strings.TrimSpace(questionID)
	chapter = strings.TrimSpace(chapter)
	if questionID == "" {
		return models.ChapterStats{}, models.QuestionError{}, fmt.Errorf("%w: questionId is required", ErrInvalidAnswer)
	}
	if chapter == "" {
		return models.ChapterStats{}, models.QuestionError{}, fmt.Errorf("%w: chapter is required", ErrInvalidAnswer)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	c := e.foldChapter(chapter, correct, now)
	row := foldOutcome(e.progress.QuestionErrors, questionID, chapter, correct, now)
	return c, row, nil
}

func foldOutcome(ledger map[string]models.QuestionError, questionID, chapter string, correct bool, at time.Time) models.QuestionError {
	row, ok := ledger[questionID]
	if !ok {
		row = models.QuestionError{QuestionID: questionID}
	}
	if chapter != "" {
		row.Chapter = chapter
	}
	row.TotalAttempts++
	stamp := at
	if correct {
		row.LastCorrectDate = &stamp
	} else {
		row.ErrorCount++
		row.LastErrorDate = &stamp
	}
	row.SuccessRate = Percent(row.TotalAttempts-row.ErrorCount, row.TotalAttempts)
	ledger[questionID] = row
	return row
}

// TopErrors ranks ledger rows by errorCount, then by the most recent
// lastErrorDate (rows without one last). An empty chapter matches all rows
// and limit <= 0 returns everything.
func (e *Engine) TopErrors(chapter string, limit int) []models.QuestionError {
	e.mu.Lock()
	out := make([]models.QuestionError, 0, len(e.progress.QuestionErrors))
	for _, row := range e.progress.QuestionErrors {
		if chapter != "" && row.Chapter != chapter {
			continue
		}
		out = append(out, row)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount > b.ErrorCount
		}
		switch {
		case a.LastErrorDate == nil && b.LastErrorDate != nil:
			return false
		case a.LastErrorDate != nil && b.LastErrorDate == nil:
			return true
		case a.LastErrorDate != nil && !a.LastErrorDate.Equal(*b.LastErrorDate):
			return a.LastErrorDate.After(*b.LastErrorDate)
		}
		return a.QuestionID < b.QuestionID
	})

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

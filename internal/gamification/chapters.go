package gamification

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gosimple/slug"

	"github.com/certano/backend/internal/models"
)

// RecordChapterAnswer folds one answered question into its chapter's totals,
// creating the chapter on first sight.
func (e *Engine) RecordChapterAnswer(name string, correct bool) (models.ChapterStats, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ChapterStats{}, fmt.Errorf("%w: chapter is required", ErrInvalidAnswer)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.foldChapter(name, correct, e.now()), nil
}

func (e *Engine) foldChapter(name string, correct bool, at time.Time) models.ChapterStats {
	c, ok := e.progress.Chapters[name]
	if !ok {
		c = models.ChapterStats{Name: name, Slug: slug.Make(name)}
	}
	if c.Slug == "" {
		c.Slug = slug.Make(name)
	}
	c.TotalQuestions++
	if correct {
		c.CorrectAnswers++
	}
	c.Progress = Percent(c.CorrectAnswers, c.TotalQuestions)
	c.LastPracticed = at

	e.progress.Chapters[name] = c
	return c
}

// Chapters returns every tracked chapter ordered by name.
func (e *Engine) Chapters() []models.ChapterStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ChapterStats, 0, len(e.progress.Chapters))
	for _, c := range e.progress.Chapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChapterBySlug looks a chapter up by its URL slug.
func (e *Engine) ChapterBySlug(s string) (models.ChapterStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.progress.Chapters {
		if c.Slug == s || slug.Make(c.Name) == s {
			return c, nil
		}
	}
	return models.ChapterStats{}, ErrChapterNotFound
}

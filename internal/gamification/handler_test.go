package gamification

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certano/backend/internal/logging"
	"github.com/certano/backend/internal/middleware"
	"github.com/certano/backend/internal/models"
)

type handlerFixture struct {
	*serviceFixture
	router http.Handler
	userID uuid.UUID
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	sf := newServiceFixture(t)
	userID := uuid.New()

	r := mux.NewRouter()
	protected := r.PathPrefix("/api/v1").Subrouter()
	protected.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Test-Anonymous") != "" {
				next.ServeHTTP(w, req)
				return
			}
			next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), userID)))
		})
	})
	NewHandler(sf.svc, logging.Discard()).RegisterRoutes(protected)

	return &handlerFixture{serviceFixture: sf, router: r, userID: userID}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestHandler_RecordAttempt(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/attempts", map[string]interface{}{
		"questionsAnswered": 10,
		"correctAnswers":    8,
		"xpEarned":          50,
		"timeSpent":         120,
		"chapters":          []string{"Signale"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.RecordAttemptResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 80, resp.Stats.AccuracyRate)
	assert.Equal(t, 50, resp.Stats.TotalXP)
	assert.Equal(t, 1, resp.Stats.CurrentLevel)
	assert.Empty(t, resp.UnlockedBadges)
	assert.NotEmpty(t, resp.Attempt.ID)
}

func TestHandler_RecordAttemptValidation(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name    string
		body    interface{}
		wantMsg string
	}{
		{"malformed json", `{"questionsAnswered":`, "Invalid request body"},
		{"zero questions", map[string]interface{}{"questionsAnswered": 0, "chapters": []string{"A"}}, "questionsAnswered must be greater than 0"},
		{"too many correct", map[string]interface{}{"questionsAnswered": 2, "correctAnswers": 3, "chapters": []string{"A"}}, "correctAnswers must not exceed questionsAnswered"},
		{"no chapters", map[string]interface{}{"questionsAnswered": 2, "chapters": []string{}}, "chapters must be at least 1"},
		{"blank chapter", map[string]interface{}{"questionsAnswered": 2, "chapters": []string{"  "}}, "chapters must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/attempts", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp models.ErrorResponse
			decodeBody(t, rec, &resp)
			assert.Contains(t, resp.Error, tt.wantMsg)
		})
	}
}

func TestHandler_RequiresUser(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Test-Anonymous", "1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_StatsAndWeeklyGoal(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.UserStats
	decodeBody(t, rec, &stats)
	assert.Equal(t, models.NewUserStats(models.DefaultWeeklyGoal), stats)

	rec = f.do(t, http.MethodPut, "/api/v1/stats/weekly-goal", map[string]int{"weeklyGoal": 120})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &stats)
	assert.Equal(t, 120, stats.WeeklyGoal)

	rec = f.do(t, http.MethodPut, "/api/v1/stats/weekly-goal", map[string]int{"weeklyGoal": 5000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/stats/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &stats)
	assert.Equal(t, 120, stats.WeeklyGoal)
}

func TestHandler_AnswersChaptersAndErrors(t *testing.T) {
	f := newHandlerFixture(t)

	for _, correct := range []bool{false, false, true} {
		rec := f.do(t, http.MethodPost, "/api/v1/answers", map[string]interface{}{
			"questionId": "q-1", "chapter": "Vorfahrt", "correct": correct,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/api/v1/answers", map[string]interface{}{"questionId": "q-1", "chapter": "Vorfahrt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/chapters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chapters []models.ChapterStats
	decodeBody(t, rec, &chapters)
	require.Len(t, chapters, 1)
	assert.Equal(t, 33, chapters[0].Progress)

	rec = f.do(t, http.MethodGet, "/api/v1/chapters/vorfahrt", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/chapters/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/errors?chapter=Vorfahrt&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []models.QuestionError
	decodeBody(t, rec, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].ErrorCount)
	assert.Equal(t, 3, rows[0].TotalAttempts)
	assert.Equal(t, 33, rows[0].SuccessRate)
}

func TestHandler_QuestLifecycle(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/quests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var quests models.QuestsResponse
	decodeBody(t, rec, &quests)
	assert.Len(t, quests.Active, 5)
	assert.Empty(t, quests.Completed)

	rec = f.do(t, http.MethodPut, "/api/v1/quests/"+QuestDailyQuestions+"/progress", map[string]int{"value": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	var q models.Quest
	decodeBody(t, rec, &q)
	assert.True(t, q.IsCompleted)
	assert.NotNil(t, q.CompletedAt)

	rec = f.do(t, http.MethodPut, "/api/v1/quests/"+QuestDailyQuestions+"/progress", map[string]int{"value": 15})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &q)
	assert.True(t, q.IsCompleted)
	assert.Equal(t, 15, q.CurrentProgress)

	rec = f.do(t, http.MethodPut, "/api/v1/quests/"+QuestDailyQuestions+"/progress", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/quests/"+QuestDailyQuestions+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done models.QuestCompleteResponse
	decodeBody(t, rec, &done)
	assert.Equal(t, 50, done.Stats.TotalXP)

	rec = f.do(t, http.MethodPost, "/api/v1/quests/"+QuestDailyQuestions+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &done)
	assert.Equal(t, 50, done.Stats.TotalXP)

	rec = f.do(t, http.MethodPost, "/api/v1/quests/unknown/complete", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Badges(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/attempts", map[string]interface{}{
		"questionsAnswered": 1, "correctAnswers": 1, "xpEarned": 10, "chapters": []string{"Signale"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/badges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var badges models.BadgesResponse
	decodeBody(t, rec, &badges)
	assert.Len(t, badges.Badges, 9)
	require.Len(t, badges.Unlocked, 2)
	assert.Equal(t, BadgeFirstQuiz, badges.Unlocked[0].ID)
	assert.Equal(t, BadgeAccuracy100, badges.Unlocked[1].ID)
}

func TestHandler_HistoryAndReload(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/attempts", map[string]interface{}{
		"questionsAnswered": 4, "correctAnswers": 2, "chapters": []string{"Signale"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/attempts?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Attempts []map[string]interface{} `json:"attempts"`
	}
	decodeBody(t, rec, &history)
	require.Len(t, history.Attempts, 1)
	assert.Equal(t, "local", history.Attempts[0]["source"])
	assert.EqualValues(t, 4, history.Attempts[0]["questionsAnswered"])

	rec = f.do(t, http.MethodPost, "/api/v1/sync/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.UserStats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 0, stats.TotalQuestionsAnswered)
}

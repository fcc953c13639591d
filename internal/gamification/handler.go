package gamification

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/certano/backend/internal/middleware"
	"github.com/certano/backend/internal/models"
	"github.com/certano/backend/internal/webutil"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger.With("component", "gamification_handler")}
}

// RegisterRoutes mounts the gamification API on a router that already
// enforces authentication.
func (h *Handler) RegisterRoutes(protected *mux.Router) {
	protected.HandleFunc("/attempts", h.RecordAttempt).Methods("POST")
	protected.HandleFunc("/attempts", h.History).Methods("GET")
	protected.HandleFunc("/answers", h.RecordAnswer).Methods("POST")
	protected.HandleFunc("/stats", h.GetStats).Methods("GET")
	protected.HandleFunc("/stats/weekly-goal", h.SetWeeklyGoal).Methods("PUT")
	protected.HandleFunc("/stats/reset", h.Reset).Methods("POST")
	protected.HandleFunc("/chapters", h.ListChapters).Methods("GET")
	protected.HandleFunc("/chapters/{slug}", h.GetChapter).Methods("GET")
	protected.HandleFunc("/errors", h.TopErrors).Methods("GET")
	protected.HandleFunc("/quests", h.ListQuests).Methods("GET")
	protected.HandleFunc("/quests/{id}/progress", h.UpdateQuestProgress).Methods("PUT")
	protected.HandleFunc("/quests/{id}/complete", h.CompleteQuest).Methods("POST")
	protected.HandleFunc("/badges", h.ListBadges).Methods("GET")
	protected.HandleFunc("/sync/reload", h.Reload).Methods("POST")
}

func getUserID(r *http.Request) (uuid.UUID, bool) {
	return middleware.UserIDFromContext(r.Context())
}

// ── Statistics ──────────────────────────────────────────

func (h *Handler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var req models.RecordAttemptRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.RecordAttempt(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, err, "Failed to record attempt")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	limit := intQueryParam(r.URL.Query(), "limit", 50)
	resp, err := h.service.History(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, err, "Failed to get attempt history")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RecordAnswer(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var req models.RecordAnswerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.RecordAnswer(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, err, "Failed to record answer")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	stats, err := h.service.Stats(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "Failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) SetWeeklyGoal(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var req models.SetWeeklyGoalRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	stats, err := h.service.SetWeeklyGoal(r.Context(), userID, req.WeeklyGoal)
	if err != nil {
		h.writeError(w, err, "Failed to set weekly goal")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	stats, err := h.service.Reset(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "Failed to reset progress")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ── Chapters and errors ─────────────────────────────────

func (h *Handler) ListChapters(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	chapters, err := h.service.Chapters(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "Failed to list chapters")
		return
	}

	writeJSON(w, http.StatusOK, chapters)
}

func (h *Handler) GetChapter(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	chapter, err := h.service.Chapter(r.Context(), userID, mux.Vars(r)["slug"])
	if err != nil {
		h.writeError(w, err, "Failed to get chapter")
		return
	}

	writeJSON(w, http.StatusOK, chapter)
}

func (h *Handler) TopErrors(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	q := r.URL.Query()
	rows, err := h.service.TopErrors(r.Context(), userID, q.Get("chapter"), intQueryParam(q, "limit", 0))
	if err != nil {
		h.writeError(w, err, "Failed to get question errors")
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

// ── Quests ──────────────────────────────────────────────

func (h *Handler) ListQuests(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	resp, err := h.service.Quests(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "Failed to get quests")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) UpdateQuestProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var req models.UpdateQuestProgressRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	quest, err := h.service.UpdateQuestProgress(r.Context(), userID, mux.Vars(r)["id"], *req.Value)
	if err != nil {
		h.writeError(w, err, "Failed to update quest")
		return
	}

	writeJSON(w, http.StatusOK, quest)
}

func (h *Handler) CompleteQuest(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	resp, err := h.service.CompleteQuest(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, "Failed to complete quest")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ── Badges ──────────────────────────────────────────────

func (h *Handler) ListBadges(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	resp, err := h.service.Badges(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "Failed to get badges")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ── Resync ──────────────────────────────────────────────

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	stats, err := h.service.Reload(r.Context(), userID)
	if err != nil {
		h.logger.Error("reload from remote failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusBadGateway, models.ErrorResponse{Error: "Failed to reload from remote"})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ── Helpers ─────────────────────────────────────────────

// writeError maps domain errors to 4xx and everything else to a 500 with
// fallback as the message.
func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ErrInvalidAttempt),
		errors.Is(err, ErrInvalidAnswer),
		errors.Is(err, ErrInvalidWeeklyGoal),
		errors.Is(err, ErrInvalidProgress):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrQuestNotFound), errors.Is(err, ErrChapterNotFound):
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error(fallback, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: fallback})
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return false
	}
	if err := webutil.Validator.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: webutil.ValidationMessage(err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func intQueryParam(query url.Values, key string, defaultVal int) int {
	s := query.Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

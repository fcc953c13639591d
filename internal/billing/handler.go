package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/certano/backend/internal/middleware"
	"github.com/certano/backend/internal/models"
)

const maxWebhookBody = 65536

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger.With("component", "billing_handler")}
}

// RegisterRoutes mounts checkout and webhook on the public router and the
// subscription lookup on the authenticated one.
func (h *Handler) RegisterRoutes(public, protected *mux.Router) {
	public.HandleFunc("/billing/checkout", h.CreateCheckoutSession).Methods("POST")
	public.HandleFunc("/billing/webhook", h.Webhook).Methods("POST")
	protected.HandleFunc("/billing/subscription", h.GetSubscription).Methods("GET")
}

func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	sessionID, err := h.service.CreateCheckoutSession(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingParams):
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		case errors.Is(err, ErrUserNotFound):
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "User not found"})
		default:
			h.logger.Error("checkout session failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to create checkout session"})
		}
		return
	}

	writeJSON(w, http.StatusOK, models.CheckoutResponse{SessionID: sessionID})
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("read webhook body", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to read request body"})
		return
	}

	if err := h.service.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, ErrSignature) {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Webhook signature verification failed"})
			return
		}
		h.logger.Error("webhook failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Webhook handler failed"})
		return
	}

	writeJSON(w, http.StatusOK, models.WebhookAck{Received: true})
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	sub, err := h.service.Subscription(r.Context(), userID)
	if errors.Is(err, ErrUserNotFound) {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "User not found"})
		return
	}
	if err != nil {
		h.logger.Error("get subscription", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to get subscription"})
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

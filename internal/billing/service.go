package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/certano/backend/internal/models"
)

var (
	ErrMissingParams = errors.New("Missing required parameters")
	ErrSignature     = errors.New("webhook signature verification failed")
)

// UserStore reads and writes the subscription columns of a profile.
type UserStore interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (models.User, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	ApplySubscriptionUpdate(ctx context.Context, id uuid.UUID, upd models.SubscriptionUpdate) error
}

type Options struct {
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Now           func() time.Time
}

type Service struct {
	users    UserStore
	provider Provider
	opts     Options
	logger   *slog.Logger
}

func NewService(users UserStore, provider Provider, logger *slog.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		users:    users,
		provider: provider,
		opts:     opts,
		logger:   logger.With("component", "billing"),
	}
}

// ── Checkout ────────────────────────────────────────────

// CreateCheckoutSession starts a subscription checkout for the user,
// creating the processor customer on first use.
func (s *Service) CreateCheckoutSession(ctx context.Context, req models.CheckoutRequest) (string, error) {
	priceID := strings.TrimSpace(req.PriceID)
	rawUserID := strings.TrimSpace(req.UserID)
	if priceID == "" || rawUserID == "" {
		return "", ErrMissingParams
	}

	userID, err := uuid.Parse(rawUserID)
	if err != nil {
		return "", ErrUserNotFound
	}

	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	customerID := user.Subscription.StripeCustomerID
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(ctx, user.Email, user.Name, user.ID)
		if err != nil {
			return "", err
		}
		if err := s.users.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
			return "", err
		}
		s.logger.Info("stripe customer created", "user_id", user.ID, "customer_id", customerID)
	}

	params := CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		UserID:     user.ID,
		SuccessURL: firstNonEmpty(req.SuccessURL, s.opts.SuccessURL),
		CancelURL:  firstNonEmpty(req.CancelURL, s.opts.CancelURL),
	}
	sessionID, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

func (s *Service) Subscription(ctx context.Context, userID uuid.UUID) (models.Subscription, error) {
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return models.Subscription{}, err
	}
	return user.Subscription, nil
}

// ── Webhook ─────────────────────────────────────────────

// HandleWebhook verifies the payload signature and applies the event. Only a
// signature failure is returned; dispatch failures are logged and dropped so
// the processor does not redeliver.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.opts.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.Warn("webhook signature rejected", "error", err)
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	s.dispatch(ctx, event)
	return nil
}

func (s *Service) dispatch(ctx context.Context, event stripe.Event) {
	log := s.logger.With("event_id", event.ID, "event_type", string(event.Type))
	defer func() {
		if r := recover(); r != nil {
			log.Error("webhook handler panicked", "panic", r)
		}
	}()

	var err error
	switch event.Type {
	case "checkout.session.completed":
		err = s.onCheckoutCompleted(ctx, event)
	case "customer.subscription.created":
		err = s.onSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		err = s.onSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = s.onSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded", "invoice.payment_failed":
		// Subscription state follows customer.subscription.updated.
	default:
		log.Info("unhandled webhook event")
		return
	}

	if err != nil {
		log.Error("webhook event dropped", "error", err)
		return
	}
	log.Debug("webhook event applied")
}

func (s *Service) onCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := decodeEventObject(event, &session); err != nil {
		return err
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	if email == "" {
		return errors.New("checkout session has no customer email")
	}

	now := s.opts.Now()
	return s.applyByEmail(ctx, email, models.SubscriptionUpdate{
		Type:      ptr(models.SubscriptionPro),
		Status:    ptr(models.StatusActive),
		StartDate: &now,
	})
}

func (s *Service) onSubscriptionCreated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeEventObject(event, &sub); err != nil {
		return err
	}
	email, err := s.subscriptionEmail(ctx, &sub)
	if err != nil {
		return err
	}

	start := time.Unix(sub.Created, 0).UTC()
	if sub.Created == 0 {
		start = time.Unix(event.Created, 0).UTC()
	}
	return s.applyByEmail(ctx, email, models.SubscriptionUpdate{
		Type:                 ptr(models.SubscriptionPro),
		Status:               ptr(models.StatusActive),
		StripeSubscriptionID: ptr(sub.ID),
		StartDate:            &start,
	})
}

func (s *Service) onSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeEventObject(event, &sub); err != nil {
		return err
	}
	email, err := s.subscriptionEmail(ctx, &sub)
	if err != nil {
		return err
	}

	status := models.StatusInactive
	if sub.Status == stripe.SubscriptionStatusActive {
		status = models.StatusActive
	}
	return s.applyByEmail(ctx, email, models.SubscriptionUpdate{Status: &status})
}

func (s *Service) onSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeEventObject(event, &sub); err != nil {
		return err
	}
	email, err := s.subscriptionEmail(ctx, &sub)
	if err != nil {
		return err
	}

	now := s.opts.Now()
	return s.applyByEmail(ctx, email, models.SubscriptionUpdate{
		Type:    ptr(models.SubscriptionFree),
		Status:  ptr(models.StatusCancelled),
		EndDate: &now,
	})
}

// subscriptionEmail uses the expanded customer when present and otherwise
// fetches the customer record.
func (s *Service) subscriptionEmail(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", errors.New("subscription has no customer")
	}
	if sub.Customer.Email != "" {
		return sub.Customer.Email, nil
	}
	email, err := s.provider.CustomerEmail(ctx, sub.Customer.ID)
	if err != nil {
		return "", err
	}
	if email == "" {
		return "", fmt.Errorf("customer %s has no email", sub.Customer.ID)
	}
	return email, nil
}

func (s *Service) applyByEmail(ctx context.Context, email string, upd models.SubscriptionUpdate) error {
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("lookup %q: %w", email, err)
	}
	if err := s.users.ApplySubscriptionUpdate(ctx, user.ID, upd); err != nil {
		return err
	}
	s.logger.Info("subscription updated", "user_id", user.ID)
	return nil
}

func decodeEventObject(event stripe.Event, dst interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return errors.New("event has no data object")
	}
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return fmt.Errorf("decode %s object: %w", event.Type, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

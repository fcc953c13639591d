package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/certano/backend/internal/logging"
	"github.com/certano/backend/internal/models"
)

const testSecret = "whsec_test_secret"

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

// fakeUsers is an in-memory profiles table.
type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newFakeUsers(users ...models.User) *fakeUsers {
	f := &fakeUsers{users: make(map[uuid.UUID]*models.User)}
	for i := range users {
		u := users[i]
		if u.Subscription.Type == "" {
			u.Subscription.Type = models.SubscriptionFree
			u.Subscription.Status = models.StatusInactive
		}
		f.users[u.ID] = &u
	}
	return f
}

func (f *fakeUsers) FindUserByID(_ context.Context, id uuid.UUID) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return *u, nil
}

func (f *fakeUsers) FindUserByEmail(_ context.Context, email string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return models.User{}, ErrUserNotFound
}

func (f *fakeUsers) SetStripeCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Subscription.StripeCustomerID = customerID
	return nil
}

func (f *fakeUsers) ApplySubscriptionUpdate(_ context.Context, id uuid.UUID, upd models.SubscriptionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if upd.Type != nil {
		u.Subscription.Type = *upd.Type
	}
	if upd.Status != nil {
		u.Subscription.Status = *upd.Status
	}
	if upd.StripeSubscriptionID != nil {
		u.Subscription.StripeSubscriptionID = *upd.StripeSubscriptionID
	}
	if upd.StartDate != nil {
		u.Subscription.StartDate = upd.StartDate
	}
	if upd.EndDate != nil {
		u.Subscription.EndDate = upd.EndDate
	}
	return nil
}

func (f *fakeUsers) get(t *testing.T, id uuid.UUID) models.User {
	t.Helper()
	u, err := f.FindUserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

type fakeProvider struct {
	mu              sync.Mutex
	customerEmails  map[string]string
	createdFor      []uuid.UUID
	sessions        []CheckoutParams
	customerErr     error
	customerLookups int
	panicOnLookup   bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{customerEmails: make(map[string]string)}
}

func (p *fakeProvider) CreateCustomer(_ context.Context, email, _ string, userID uuid.UUID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.customerErr != nil {
		return "", p.customerErr
	}
	p.createdFor = append(p.createdFor, userID)
	id := fmt.Sprintf("cus_%d", len(p.createdFor))
	p.customerEmails[id] = email
	return id, nil
}

func (p *fakeProvider) CustomerEmail(_ context.Context, customerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customerLookups++
	if p.panicOnLookup {
		panic("customer lookup exploded")
	}
	return p.customerEmails[customerID], nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, cp CheckoutParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, cp)
	return fmt.Sprintf("cs_test_%d", len(p.sessions)), nil
}

func newTestService(users *fakeUsers, provider *fakeProvider) *Service {
	return NewService(users, provider, logging.Discard(), Options{
		WebhookSecret: testSecret,
		SuccessURL:    "https://app.test/success",
		CancelURL:     "https://app.test/cancel",
		Now:           func() time.Time { return fixedNow },
	})
}

func testUser(email string) models.User {
	return models.User{ID: uuid.New(), Email: email, Name: "Ada"}
}

func eventPayload(t *testing.T, eventType string, object interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":          "evt_" + uuid.NewString(),
		"object":      "event",
		"type":        eventType,
		"created":     fixedNow.Unix(),
		"api_version": "2024-06-20",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func sign(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	}).Header
}

func deliver(t *testing.T, svc *Service, payload []byte) {
	t.Helper()
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, sign(payload)))
}

// ── Webhook ─────────────────────────────────────────────

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	svc := newTestService(newFakeUsers(), newFakeProvider())
	payload := eventPayload(t, "checkout.session.completed", map[string]interface{}{"object": "checkout.session"})

	err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrSignature)

	err = svc.HandleWebhook(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrSignature)
}

func TestHandleWebhook_CheckoutCompleted(t *testing.T) {
	user := testUser("ada@example.com")
	users := newFakeUsers(user)
	svc := newTestService(users, newFakeProvider())

	deliver(t, svc, eventPayload(t, "checkout.session.completed", map[string]interface{}{
		"id":               "cs_1",
		"object":           "checkout.session",
		"customer_details": map[string]interface{}{"email": "ada@example.com"},
	}))

	got := users.get(t, user.ID).Subscription
	assert.Equal(t, models.SubscriptionPro, got.Type)
	assert.Equal(t, models.StatusActive, got.Status)
	require.NotNil(t, got.StartDate)
	assert.Equal(t, fixedNow, *got.StartDate)
}

func TestHandleWebhook_CheckoutCompletedFallsBackToCustomerEmail(t *testing.T) {
	user := testUser("ada@example.com")
	users := newFakeUsers(user)
	svc := newTestService(users, newFakeProvider())

	deliver(t, svc, eventPayload(t, "checkout.session.completed", map[string]interface{}{
		"id":             "cs_1",
		"object":         "checkout.session",
		"customer_email": "ada@example.com",
	}))

	assert.Equal(t, models.StatusActive, users.get(t, user.ID).Subscription.Status)
}

func TestHandleWebhook_UnknownEmailIsAcknowledged(t *testing.T) {
	user := testUser("ada@example.com")
	users := newFakeUsers(user)
	svc := newTestService(users, newFakeProvider())

	deliver(t, svc, eventPayload(t, "checkout.session.completed", map[string]interface{}{
		"id":               "cs_1",
		"object":           "checkout.session",
		"customer_details": map[string]interface{}{"email": "nobody@example.com"},
	}))

	assert.Equal(t, models.SubscriptionFree, users.get(t, user.ID).Subscription.Type)
}

func TestHandleWebhook_SubscriptionLifecycle(t *testing.T) {
	user := testUser("ada@example.com")
	users := newFakeUsers(user)
	provider := newFakeProvider()
	provider.customerEmails["cus_9"] = "ada@example.com"
	svc := newTestService(users, provider)

	created := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	deliver(t, svc, eventPayload(t, "customer.subscription.created", map[string]interface{}{
		"id": "sub_1", "object": "subscription", "customer": "cus_9",
		"status": "incomplete", "created": created.Unix(),
	}))

	sub := users.get(t, user.ID).Subscription
	assert.Equal(t, models.SubscriptionPro, sub.Type)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	require.NotNil(t, sub.StartDate)
	assert.True(t, created.Equal(*sub.StartDate))

	tests := []struct {
		status string
		want   models.SubscriptionStatus
	}{
		{"past_due", models.StatusInactive},
		{"active", models.StatusActive},
		{"unpaid", models.StatusInactive},
		{"trialing", models.StatusInactive},
		{"active", models.StatusActive},
	}
	for _, tt := range tests {
		deliver(t, svc, eventPayload(t, "customer.subscription.updated", map[string]interface{}{
			"id": "sub_1", "object": "subscription", "customer": "cus_9", "status": tt.status,
		}))
		sub = users.get(t, user.ID).Subscription
		assert.Equal(t, tt.want, sub.Status, "status %s", tt.status)
		assert.Equal(t, models.SubscriptionPro, sub.Type, "updated must not touch the plan")
	}
}

func TestHandleWebhook_SubscriptionDeletedIsIdempotent(t *testing.T) {
	user := testUser("ada@example.com")
	user.Subscription = models.Subscription{Type: models.SubscriptionPro, Status: models.StatusActive}
	users := newFakeUsers(user)
	provider := newFakeProvider()
	provider.customerEmails["cus_9"] = "ada@example.com"
	svc := newTestService(users, provider)

	payload := eventPayload(t, "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_1", "object": "subscription", "customer": "cus_9", "status": "canceled",
	})

	for i := 0; i < 2; i++ {
		deliver(t, svc, payload)
		sub := users.get(t, user.ID).Subscription
		assert.Equal(t, models.SubscriptionFree, sub.Type)
		assert.Equal(t, models.StatusCancelled, sub.Status)
		require.NotNil(t, sub.EndDate)
		assert.Equal(t, fixedNow, *sub.EndDate)
	}
}

func TestHandleWebhook_ExpandedCustomerSkipsLookup(t *testing.T) {
	user := testUser("ada@example.com")
	users := newFakeUsers(user)
	provider := newFakeProvider()
	svc := newTestService(users, provider)

	deliver(t, svc, eventPayload(t, "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_1", "object": "subscription", "status": "canceled",
		"customer": map[string]interface{}{"id": "cus_9", "object": "customer", "email": "ada@example.com"},
	}))

	assert.Equal(t, models.StatusCancelled, users.get(t, user.ID).Subscription.Status)
	assert.Zero(t, provider.customerLookups)
}

func TestHandleWebhook_IgnoredEvents(t *testing.T) {
	user := testUser("ada@example.com")
	users := newFakeUsers(user)
	provider := newFakeProvider()
	provider.customerEmails["cus_9"] = "ada@example.com"
	svc := newTestService(users, provider)

	for _, typ := range []string{"invoice.payment_succeeded", "invoice.payment_failed", "customer.created"} {
		deliver(t, svc, eventPayload(t, typ, map[string]interface{}{"id": "in_1", "object": "invoice", "customer": "cus_9"}))
	}

	assert.Equal(t, models.SubscriptionFree, users.get(t, user.ID).Subscription.Type)
	assert.Zero(t, provider.customerLookups)
}

func TestHandleWebhook_RecoversFromPanic(t *testing.T) {
	users := newFakeUsers(testUser("ada@example.com"))
	provider := newFakeProvider()
	provider.panicOnLookup = true
	svc := newTestService(users, provider)

	payload := eventPayload(t, "customer.subscription.updated", map[string]interface{}{
		"id": "sub_1", "object": "subscription", "customer": "cus_9", "status": "active",
	})
	assert.NotPanics(t, func() {
		assert.NoError(t, svc.HandleWebhook(context.Background(), payload, sign(payload)))
	})
}

// ── Checkout ────────────────────────────────────────────

func TestCreateCheckoutSession_Validation(t *testing.T) {
	user := testUser("ada@example.com")
	svc := newTestService(newFakeUsers(user), newFakeProvider())

	tests := []struct {
		name    string
		req     models.CheckoutRequest
		wantErr error
	}{
		{"missing user", models.CheckoutRequest{PriceID: "price_x"}, ErrMissingParams},
		{"missing price", models.CheckoutRequest{UserID: user.ID.String()}, ErrMissingParams},
		{"blank price", models.CheckoutRequest{PriceID: "  ", UserID: user.ID.String()}, ErrMissingParams},
		{"unknown user", models.CheckoutRequest{PriceID: "price_x", UserID: uuid.NewString()}, ErrUserNotFound},
		{"malformed user id", models.CheckoutRequest{PriceID: "price_x", UserID: "42"}, ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateCheckoutSession(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateCheckoutSession_CreatesCustomerOnce(t *testing.T) {
	user := testUser("ada@example.com")
	users := newFakeUsers(user)
	provider := newFakeProvider()
	svc := newTestService(users, provider)

	req := models.CheckoutRequest{PriceID: "price_x", UserID: user.ID.String()}
	first, err := svc.CreateCheckoutSession(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.CreateCheckoutSession(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, []uuid.UUID{user.ID}, provider.createdFor)
	assert.Equal(t, "cus_1", users.get(t, user.ID).Subscription.StripeCustomerID)

	require.Len(t, provider.sessions, 2)
	for _, s := range provider.sessions {
		assert.Equal(t, "cus_1", s.CustomerID)
		assert.Equal(t, "price_x", s.PriceID)
		assert.Equal(t, "https://app.test/success", s.SuccessURL)
		assert.Equal(t, "https://app.test/cancel", s.CancelURL)
	}
}

func TestCreateCheckoutSession_RequestURLsWin(t *testing.T) {
	user := testUser("ada@example.com")
	user.Subscription.StripeCustomerID = "cus_existing"
	provider := newFakeProvider()
	svc := newTestService(newFakeUsers(user), provider)

	_, err := svc.CreateCheckoutSession(context.Background(), models.CheckoutRequest{
		PriceID: "price_x", UserID: user.ID.String(),
		SuccessURL: "https://custom/ok", CancelURL: "https://custom/no",
	})
	require.NoError(t, err)

	assert.Empty(t, provider.createdFor)
	require.Len(t, provider.sessions, 1)
	assert.Equal(t, "cus_existing", provider.sessions[0].CustomerID)
	assert.Equal(t, "https://custom/ok", provider.sessions[0].SuccessURL)
	assert.Equal(t, "https://custom/no", provider.sessions[0].CancelURL)
}

func TestCreateCheckoutSession_ProviderFailure(t *testing.T) {
	user := testUser("ada@example.com")
	provider := newFakeProvider()
	provider.customerErr = errors.New("stripe down")
	svc := newTestService(newFakeUsers(user), provider)

	_, err := svc.CreateCheckoutSession(context.Background(), models.CheckoutRequest{
		PriceID: "price_x", UserID: user.ID.String(),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingParams)
	assert.NotErrorIs(t, err, ErrUserNotFound)
	assert.Empty(t, provider.sessions)
}

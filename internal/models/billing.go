package models

import "time"

type SubscriptionType string

const (
	SubscriptionFree SubscriptionType = "free"
	SubscriptionPro  SubscriptionType = "pro"
)

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusInactive  SubscriptionStatus = "inactive"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is the billing slice of a profile row. Only the billing
// package writes it.
type Subscription struct {
	Type                 SubscriptionType   `json:"subscriptionType"`
	Status               SubscriptionStatus `json:"subscriptionStatus"`
	StripeCustomerID     string             `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string             `json:"stripeSubscriptionId,omitempty"`
	StartDate            *time.Time         `json:"subscriptionStartDate,omitempty"`
	EndDate              *time.Time         `json:"subscriptionEndDate,omitempty"`
}

// SubscriptionUpdate lists the columns a webhook event changes. Nil fields
// are left untouched.
type SubscriptionUpdate struct {
	Type                 *SubscriptionType
	Status               *SubscriptionStatus
	StripeSubscriptionID *string
	StartDate            *time.Time
	EndDate              *time.Time
}

// ── Request Types ─────────────────────────────────────────

type CheckoutRequest struct {
	PriceID    string `json:"priceId"`
	UserID     string `json:"userId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// ── Response Types ────────────────────────────────────────

type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

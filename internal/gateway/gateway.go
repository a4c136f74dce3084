package gateway

import (
	"context"
	"time"
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCanceled  = "payment.canceled"
	EventPayoutPaid       = "payout.paid"
	EventPayoutFailed     = "payout.failed"
)

// Session statuses normalised across providers.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusPaid      = "paid"
)

// MetadataReference carries the local record id through the provider and back on webhooks.
const MetadataReference = "reference_id"

type PaymentSessionRequest struct {
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
	ReturnURL   string
	WebhookURL  string
}

type Destination struct {
	AccountNumber string
	HolderName    string
	RoutingCode   string
}

type PayoutSessionRequest struct {
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
	WebhookURL  string
	Destination Destination
}

// Session is the provider-side record of one payment or payout.
type Session struct {
	ID          string
	Reference   string
	Amount      int64
	Currency    string
	Status      string
	CheckoutURL string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is a provider webhook normalised to the common envelope.
type Event struct {
	Gateway       string
	ID            string
	Type          string
	CreatedAt     time.Time
	ObjectID      string
	Reference     string
	Amount        int64
	Currency      string
	Status        string
	FailureReason string
	UpdatedAt     time.Time
	Raw           []byte
}

func (e *Event) IsPayment() bool {
	switch e.Type {
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentCanceled:
		return true
	}
	return false
}

func (e *Event) IsPayout() bool {
	return e.Type == EventPayoutPaid || e.Type == EventPayoutFailed
}

// Known reports whether the event type is one the service acts on.
func (e *Event) Known() bool {
	return e.IsPayment() || e.IsPayout()
}

// Client is the provider-neutral gateway contract. Create calls must be
// idempotent per key at the provider.
type Client interface {
	Name() string
	CreatePaymentSession(ctx context.Context, req PaymentSessionRequest, idempotencyKey string) (*Session, error)
	GetPaymentSession(ctx context.Context, id string) (*Session, error)
	CreatePayoutSession(ctx context.Context, req PayoutSessionRequest, idempotencyKey string) (*Session, error)
	GetPayoutSession(ctx context.Context, id string) (*Session, error)
	ParseEvent(body []byte) (*Event, error)
}

// Config is the per-provider configuration handed to a Factory.
type Config struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
}

type Factory interface {
	Provider() string
	NewClient(cfg Config) (Client, error)
}

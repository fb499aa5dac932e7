// Package processor is the boundary to the external payment processor.
// Adapters translate provider objects and webhooks into the types below.
package processor

//go:generate mockgen -destination=processormock/client.go -package=processormock . Client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
	IntentFailed                IntentStatus = "failed"
)

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment.succeeded"
	EventPaymentFailed    EventKind = "payment.failed"
	EventTransferCreated  EventKind = "transfer.created"
	EventTransferPaid     EventKind = "transfer.paid"
	EventTransferFailed   EventKind = "transfer.failed"
	EventAccountUpdated   EventKind = "account.updated"
	EventUnknown          EventKind = "unknown"
)

// Metadata keys attached to processor objects so webhooks route without lookups.
const (
	MetaCampaignID    = "campaign_id"
	MetaDeliverableID = "deliverable_id"
	MetaCreatorID     = "creator_id"
	MetaUserID        = "user_id"
	MetaRole          = "role"
)

type PaymentIntent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       IntentStatus
	Metadata     map[string]string
}

type Transfer struct {
	ID          string
	Amount      int64
	Currency    string
	Destination string
	Metadata    map[string]string
}

type Account struct {
	ID               string
	DetailsSubmitted bool
	PayoutsEnabled   bool
	Metadata         map[string]string
}

type OnboardingLink struct {
	URL       string
	ExpiresAt time.Time
}

// Event is a verified webhook event normalised across providers.
type Event struct {
	ID               string
	Kind             EventKind
	ProviderType     string
	ObjectID         string
	Amount           int64
	Metadata         map[string]string
	FailureCode      string
	FailureMessage   string
	DetailsSubmitted bool
	Created          time.Time
}

type CreateIntentParams struct {
	CampaignID     string
	OwnerID        string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type CreateTransferParams struct {
	DeliverableID  string
	CampaignID     string
	CreatorID      string
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type CreateAccountParams struct {
	UserID string
	Role   string
	Email  string
}

type Client interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, p CreateIntentParams) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CreateTransfer(ctx context.Context, p CreateTransferParams) (*Transfer, error)
	ReverseTransfer(ctx context.Context, transferID, idempotencyKey string) error
	CreateAccount(ctx context.Context, p CreateAccountParams) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateOnboardingLink(ctx context.Context, accountID string) (*OnboardingLink, error)
	// ParseWebhook verifies signature over payload and decodes the event.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

var ErrInvalidSignature = errors.New("processor: invalid webhook signature")

// Error is a failure reported by the processor itself.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("processor: %s", e.Message)
	}
	return fmt.Sprintf("processor: %s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the processor error code carried by err, if any.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

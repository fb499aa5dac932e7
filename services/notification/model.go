package notification

import "time"

type Kind string

const (
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindPaymentFailed        Kind = "payment_failed"
	KindDeliverableSubmitted Kind = "deliverable_submitted"
	KindDeliverableApproved  Kind = "deliverable_approved"
	KindDeliverableRejected  Kind = "deliverable_rejected"
	KindChangesRequested     Kind = "changes_requested"
	KindPayoutCompleted      Kind = "payout_completed"
	KindPayoutFailed         Kind = "payout_failed"
	KindOnboardingRequired   Kind = "onboarding_required"
)

// Notification is a structured message for one user. Formatting and
// delivery happen downstream of the Kafka topic.
type Notification struct {
	UserID     string         `json:"user_id"`
	Kind       Kind           `json:"kind"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

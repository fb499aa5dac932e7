package orchestrator

import (
	"time"

	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/payment"

	"gorm.io/datatypes"
)

// Outcome is what the sponsor is told after a funding step.
type Outcome string

const (
	OutcomeActive     Outcome = "active"
	OutcomeProcessing Outcome = "processing"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeFailed     Outcome = "failed"
)

// CollectionResult is the sponsor-side result of presenting payment collection.
type CollectionResult string

const (
	CollectionSucceeded CollectionResult = "succeeded"
	CollectionCancelled CollectionResult = "cancelled"
	CollectionFailed    CollectionResult = "failed"
)

type EventKind string

const (
	EventIntentCreated EventKind = "intent_created"
	EventCollected     EventKind = "collection_succeeded"
	EventCancelled     EventKind = "collection_cancelled"
	EventFailed        EventKind = "collection_failed"
	EventConfirmed     EventKind = "confirmed"
	EventDerived       EventKind = "derived_update"
	EventTimedOut      EventKind = "poll_timed_out"
)

// FundingEvent is the audit trail of one campaign's funding attempts.
type FundingEvent struct {
	ID         string         `gorm:"column:id;primaryKey" json:"id"`
	CampaignID string         `gorm:"column:campaign_id;index;not null" json:"campaign_id"`
	Attempt    int            `gorm:"column:attempt" json:"attempt"`
	Kind       EventKind      `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	IntentID   string         `gorm:"column:intent_id" json:"intent_id,omitempty"`
	Attributes datatypes.JSON `gorm:"column:attributes" json:"attributes,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

type FundRequest struct {
	RestaurantID string         `json:"restaurant_id" binding:"required"`
	Title        string         `json:"title" binding:"max=255"`
	Description  string         `json:"description"`
	Budget       int64          `json:"budget" binding:"required,gt=0"`
	Currency     string         `json:"currency" binding:"omitempty,len=3"`
	Deadline     *time.Time     `json:"deadline" binding:"required"`
	Metadata     datatypes.JSON `json:"metadata"`
}

// Funding is handed to the client to collect payment.
type Funding struct {
	Campaign     *campaign.Campaign `json:"campaign"`
	IntentID     string             `json:"payment_intent_id"`
	ClientSecret string             `json:"client_secret"`
	Attempt      int                `json:"attempt"`
}

type ResultRequest struct {
	Result         CollectionResult `json:"result" binding:"required,oneof=succeeded cancelled failed"`
	FailureCode    string           `json:"failure_code"`
	FailureMessage string           `json:"failure_message"`
}

type PaymentStatus struct {
	CampaignID          string                 `json:"campaign_id"`
	CampaignStatus      campaign.Status        `json:"campaign_status"`
	PaymentStatus       campaign.PaymentStatus `json:"payment_status"`
	PaymentRecordStatus payment.RecordStatus   `json:"payment_record_status,omitempty"`
	IntentID            string                 `json:"payment_intent_id,omitempty"`
	Attempt             int                    `json:"attempt,omitempty"`
}

type Result struct {
	Outcome Outcome        `json:"outcome"`
	Status  *PaymentStatus `json:"status"`
	Polls   int            `json:"polls,omitempty"`
	// InProgress is set when another reconciliation holds the campaign.
	InProgress bool   `json:"in_progress,omitempty"`
	Message    string `json:"message,omitempty"`
}

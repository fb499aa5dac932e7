package deliverable

import (
	"time"

	"gorm.io/datatypes"
)

type Status string
type PaymentStatus string
type Urgency string

const (
	StatusDraft             Status = "draft"
	StatusPendingReview     Status = "pending_review"
	StatusApproved          Status = "approved"
	StatusAutoApproved      Status = "auto_approved"
	StatusRejected          Status = "rejected"
	StatusRevisionRequested Status = "revision_requested"
	StatusDisputed          Status = "disputed"

	PaymentPending           PaymentStatus = "pending"
	PaymentPendingOnboarding PaymentStatus = "pending_onboarding"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentDisputed          PaymentStatus = "disputed"
	PaymentRefunded          PaymentStatus = "refunded"

	UrgencyHigh    Urgency = "high"
	UrgencyMedium  Urgency = "medium"
	UrgencyLow     Urgency = "low"
	UrgencyExpired Urgency = "expired"
)

// SystemReviewer is recorded as the reviewer of auto-approved deliverables.
const SystemReviewer = "system"

// Deliverable is the proof of work for one accepted application.
// PaymentAmount is copied from the agreed rate at first submission and
// never changes afterwards.
type Deliverable struct {
	ID              string         `gorm:"column:id;primaryKey" json:"id"`
	ApplicationID   string         `gorm:"column:application_id;uniqueIndex;not null" json:"application_id"`
	CampaignID      string         `gorm:"column:campaign_id;index;not null" json:"campaign_id"`
	CreatorID       string         `gorm:"column:creator_id;index;not null" json:"creator_id"`
	Platform        Platform       `gorm:"column:platform;type:varchar(16)" json:"platform"`
	PostURL         string         `gorm:"column:post_url;type:text" json:"post_url"`
	Caption         string         `gorm:"column:caption;type:text" json:"caption"`
	Status          Status         `gorm:"column:status;type:varchar(24);not null;index" json:"status"`
	PaymentStatus   PaymentStatus  `gorm:"column:payment_status;type:varchar(24);not null;index" json:"payment_status"`
	PaymentAmount   int64          `gorm:"column:payment_amount;not null" json:"payment_amount"`
	Currency        string         `gorm:"column:currency;type:varchar(3)" json:"currency"`
	RetryCount      int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	TransferID      string         `gorm:"column:transfer_id;index" json:"transfer_id"`

	// Reversals counts transfers undone after they could not be recorded.
	Reversals          int    `gorm:"column:transfer_reversals;not null;default:0" json:"-"`
	ReversedTransferID string `gorm:"column:reversed_transfer_id" json:"-"`

	PaidAt          *time.Time     `gorm:"column:paid_at" json:"paid_at"`
	SubmittedAt     *time.Time     `gorm:"column:submitted_at;index" json:"submitted_at"`
	ReviewerID      string         `gorm:"column:reviewer_id" json:"reviewer_id"`
	ReviewedAt      *time.Time     `gorm:"column:reviewed_at" json:"reviewed_at"`
	Feedback        string         `gorm:"column:feedback;type:text" json:"feedback"`
	ChangesRequired datatypes.JSON `gorm:"column:changes_required" json:"changes_required"`
	DisputeReason   string         `gorm:"column:dispute_reason;type:text" json:"dispute_reason"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

type SubmitRequest struct {
	ApplicationID string   `json:"application_id" binding:"required"`
	Platform      Platform `json:"platform" binding:"required"`
	PostURL       string   `json:"post_url" binding:"required"`
	Caption       string   `json:"caption" binding:"max=4000"`
}

type ReviewRequest struct {
	Feedback        string   `json:"feedback"`
	ChangesRequired []string `json:"changes_required"`
}

type TimeRemaining struct {
	DeliverableID  string    `json:"deliverable_id"`
	HoursRemaining float64   `json:"hours_remaining"`
	Urgency        Urgency   `json:"urgency"`
	DeadlineAt     time.Time `json:"deadline_at"`
}

// TransferFailure is the outcome of recording one failed transfer.
type TransferFailure struct {
	Deliverable *Deliverable
	Counted     bool
	Terminal    bool
}

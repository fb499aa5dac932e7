package payment

import "time"

type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordSucceeded RecordStatus = "succeeded"
	RecordFailed    RecordStatus = "failed"
)

// PaymentRecord is one funding attempt for a campaign.
type PaymentRecord struct {
	ID             string       `gorm:"column:id;primaryKey" json:"id"`
	CampaignID     string       `gorm:"column:campaign_id;index;not null" json:"campaign_id"`
	Attempt        int          `gorm:"column:attempt;not null;default:1" json:"attempt"`
	IntentID       string       `gorm:"column:intent_id;uniqueIndex;not null" json:"intent_id"`
	Provider       string       `gorm:"column:provider;type:varchar(16)" json:"provider"`
	Amount         int64        `gorm:"column:amount;not null" json:"amount"`
	Currency       string       `gorm:"column:currency;type:varchar(3)" json:"currency"`
	Status         RecordStatus `gorm:"column:status;type:varchar(16);not null;default:'pending'" json:"status"`
	FailureCode    string       `gorm:"column:failure_code" json:"failure_code"`
	FailureMessage string       `gorm:"column:failure_message" json:"failure_message"`
	PaidAt         *time.Time   `gorm:"column:paid_at" json:"paid_at"`
	CreatedAt      time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// IntentRequest describes the amount to collect for one campaign.
type IntentRequest struct {
	CampaignID string
	OwnerID    string
	Amount     int64
	Currency   string
}

type Intent struct {
	Record       *PaymentRecord
	ClientSecret string
}

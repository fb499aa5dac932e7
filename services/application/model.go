package application

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Application links a creator to a campaign. At most one non-withdrawn
// application exists per (campaign, creator).
type Application struct {
	ID           string     `gorm:"column:id;primaryKey" json:"id"`
	CampaignID   string     `gorm:"column:campaign_id;not null;uniqueIndex:idx_applications_active,where:status <> 'withdrawn'" json:"campaign_id"`
	CreatorID    string     `gorm:"column:creator_id;not null;index;uniqueIndex:idx_applications_active,where:status <> 'withdrawn'" json:"creator_id"`
	ProposedRate int64      `gorm:"column:proposed_rate;not null" json:"proposed_rate"`
	AgreedRate   int64      `gorm:"column:agreed_rate" json:"agreed_rate"`
	Currency     string     `gorm:"column:currency;type:varchar(3)" json:"currency"`
	Note         string     `gorm:"column:note;type:text" json:"note"`
	Status       Status     `gorm:"column:status;type:varchar(16);not null;default:'pending'" json:"status"`
	DecidedBy    string     `gorm:"column:decided_by" json:"decided_by"`
	DecidedAt    *time.Time `gorm:"column:decided_at" json:"decided_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

type ApplyRequest struct {
	CampaignID   string `json:"campaign_id" binding:"required"`
	ProposedRate int64  `json:"proposed_rate" binding:"required,gt=0"`
	Note         string `json:"note" binding:"max=2000"`
}

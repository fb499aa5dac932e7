package campaign

import (
	"time"

	"gorm.io/datatypes"
)

type Status string
type PaymentStatus string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"

	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Campaign is a sponsor-funded unit of work. Status and PaymentStatus are
// only ever written together so that active implies paid.
type Campaign struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	Code          string         `gorm:"column:code;index" json:"code"`
	OwnerID       string         `gorm:"column:owner_id;index;not null" json:"owner_id"`
	RestaurantID  string         `gorm:"column:restaurant_id;index;not null" json:"restaurant_id"`
	Title         string         `gorm:"column:title;type:varchar(255)" json:"title"`
	Description   string         `gorm:"column:description;type:text" json:"description"`
	Budget        int64          `gorm:"column:budget;not null" json:"budget"`
	Currency      string         `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status        Status         `gorm:"column:status;type:varchar(16);not null;default:'pending';index" json:"status"`
	PaymentStatus PaymentStatus  `gorm:"column:payment_status;type:varchar(16);not null;default:'pending'" json:"payment_status"`
	Deadline      time.Time      `gorm:"column:deadline;not null" json:"deadline"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Draft is what a sponsor submits to start funding.
type Draft struct {
	OwnerID      string         `json:"-"`
	RestaurantID string         `json:"restaurant_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Budget       int64          `json:"budget"`
	Currency     string         `json:"currency"`
	Deadline     *time.Time     `json:"deadline"`
	Metadata     datatypes.JSON `json:"metadata"`
}

// IsFunded reports whether the campaign can accept work.
func (c *Campaign) IsFunded() bool {
	return c.Status == StatusActive && c.PaymentStatus == PaymentPaid
}

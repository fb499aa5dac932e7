package access

import "time"

const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleFinance  = "finance"
)

// Objects and actions checked by Can.
const (
	ObjDeliverable = "deliverable"
	ObjPayout      = "payout"
	ObjRole        = "role"
	ObjTask        = "task"

	ActReview  = "review"
	ActTrigger = "trigger"
	ActManage  = "manage"
	ActRead    = "read"
)

// RoleGrant is a revocable role assignment. Revoked rows stay for audit.
type RoleGrant struct {
	ID        string     `gorm:"column:id;primaryKey" json:"id"`
	UserID    string     `gorm:"column:user_id;index;not null" json:"user_id"`
	Role      string     `gorm:"column:role;type:varchar(32);not null" json:"role"`
	GrantedBy string     `gorm:"column:granted_by" json:"granted_by"`
	RevokedAt *time.Time `gorm:"column:revoked_at" json:"revoked_at"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (RoleGrant) TableName() string { return "roles" }

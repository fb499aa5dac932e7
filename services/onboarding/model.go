package onboarding

import "time"

type Role string

const (
	RoleBusiness Role = "business"
	RoleCreator  Role = "creator"
)

func (r Role) Valid() bool {
	return r == RoleBusiness || r == RoleCreator
}

// ConnectedAccount is the processor identity of one user acting in one role.
type ConnectedAccount struct {
	ID                  string     `gorm:"column:id;primaryKey" json:"id"`
	UserID              string     `gorm:"column:user_id;not null;uniqueIndex:idx_connected_accounts_user_role" json:"user_id"`
	Role                Role       `gorm:"column:role;type:varchar(16);not null;uniqueIndex:idx_connected_accounts_user_role" json:"role"`
	ProcessorAccountID  string     `gorm:"column:processor_account_id;uniqueIndex" json:"processor_account_id"`
	OnboardingCompleted bool       `gorm:"column:onboarding_completed;not null;default:false" json:"onboarding_completed"`
	OnboardingLink      string     `gorm:"column:onboarding_link" json:"onboarding_link"`
	LinkExpiresAt       *time.Time `gorm:"column:link_expires_at" json:"link_expires_at"`
	CompletedAt         *time.Time `gorm:"column:completed_at" json:"completed_at"`
	CreatedAt           time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Status is what callers need to decide whether money can move.
type Status struct {
	HasAccount          bool       `json:"has_account"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
	AccountID           string     `json:"account_id,omitempty"`
	OnboardingLink      string     `json:"onboarding_link,omitempty"`
	LinkExpiresAt       *time.Time `json:"link_expires_at,omitempty"`
}

func (a *ConnectedAccount) linkValid(now time.Time) bool {
	return a.OnboardingLink != "" && a.LinkExpiresAt != nil && now.Before(*a.LinkExpiresAt)
}

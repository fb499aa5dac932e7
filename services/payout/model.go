package payout

// Request is the operator payout contract. Every field must agree with the
// deliverable being paid.
type Request struct {
	DeliverableID      string `json:"deliverable_id" binding:"required"`
	CreatorID          string `json:"creator_id" binding:"required"`
	CampaignID         string `json:"campaign_id" binding:"required"`
	AmountMinorUnits   int64  `json:"amount_minor_units" binding:"required,gt=0"`
	ConnectedAccountID string `json:"connected_account_id" binding:"required"`
}

type Result struct {
	DeliverableID     string `json:"deliverable_id"`
	TransferID        string `json:"transfer_id,omitempty"`
	TransactionID     string `json:"transaction_id,omitempty"`
	PendingOnboarding bool   `json:"pending_onboarding,omitempty"`
	Skipped           bool   `json:"skipped,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type taskPayload struct {
	DeliverableID string `json:"deliverable_id"`
	Retry         int    `json:"retry"`
}

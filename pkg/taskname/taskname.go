package taskname

const (
	// Payout tasks
	PayoutProcess = "payout:process"

	// Deliverable tasks
	DeliverableAutoApprovalCheck = "deliverable:auto_approval:check"

	// Notification tasks
	NotificationDispatch = "notification:dispatch"
)

package deliverable

import (
	"context"

	"github.com/TroodieTeam/troodie-sub002/pkg/db/option"

	"gorm.io/gorm"
)

// Payment state changes driven by the payout processor and the webhook
// reconciler. Each is a conditional update so replays are harmless.

// RecordTransfer stores the transfer of the current payout attempt.
func (s *Service) RecordTransfer(ctx context.Context, tx *gorm.DB, id, transferID string) (bool, error) {
	n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: id, PaymentStatus: PaymentProcessing},
		map[string]any{"transfer_id": transferID})
	return n > 0, err
}

// MarkTransferReversed records a transfer that was reversed because it could
// not be stored. The next attempt gets a fresh idempotency key and failure
// events for the reversed transfer are not counted.
func (s *Service) MarkTransferReversed(ctx context.Context, tx *gorm.DB, id, transferID string) (bool, error) {
	n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: id, PaymentStatus: PaymentProcessing},
		map[string]any{
			"transfer_reversals":   gorm.Expr("transfer_reversals + 1"),
			"reversed_transfer_id": transferID,
		})
	return n > 0, err
}

// MarkPendingOnboarding parks a payout until the creator finishes onboarding.
func (s *Service) MarkPendingOnboarding(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: id, PaymentStatus: PaymentProcessing},
		map[string]any{"payment_status": PaymentPendingOnboarding})
	return n > 0, err
}

// ResumeProcessing moves a parked payout back to processing.
func (s *Service) ResumeProcessing(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: id, PaymentStatus: PaymentPendingOnboarding},
		map[string]any{"payment_status": PaymentProcessing})
	return n > 0, err
}

func (s *Service) ListPendingOnboarding(ctx context.Context, tx *gorm.DB, creatorID string) ([]*Deliverable, error) {
	return s.deliverable.WithTrx(tx).Find(ctx, &Deliverable{CreatorID: creatorID, PaymentStatus: PaymentPendingOnboarding},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}))
}

// MarkPaid completes the payment. It reports false when already completed.
func (s *Service) MarkPaid(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: id},
		map[string]any{
			"payment_status": PaymentCompleted,
			"paid_at":        s.now().UTC(),
		},
		option.ApplyOperator(option.Condition{Field: "payment_status", Operator: option.NEQ, Value: PaymentCompleted}),
	)
	return n > 0, err
}

// MarkPayoutFailed makes a payout terminally failed.
func (s *Service) MarkPayoutFailed(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: id, PaymentStatus: PaymentProcessing},
		map[string]any{"payment_status": PaymentFailed})
	return n > 0, err
}

// RecordTransferFailure counts one failed transfer. Failures are only
// counted while the payout is processing and for its current transfer;
// reaching maxRetries makes the payout terminally failed.
func (s *Service) RecordTransferFailure(ctx context.Context, tx *gorm.DB, id, transferID string, maxRetries int) (*TransferFailure, error) {
	d, err := s.deliverable.WithTrx(tx).FindOne(ctx, &Deliverable{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if d == nil {
		return &TransferFailure{}, nil
	}
	if d.PaymentStatus != PaymentProcessing || (transferID != "" && d.TransferID != "" && d.TransferID != transferID) {
		return &TransferFailure{Deliverable: d}, nil
	}
	if transferID != "" && transferID == d.ReversedTransferID {
		return &TransferFailure{Deliverable: d}, nil
	}

	retry := d.RetryCount + 1
	updates := map[string]any{"retry_count": retry}
	terminal := retry >= maxRetries
	if terminal {
		updates["payment_status"] = PaymentFailed
	}

	n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: id, PaymentStatus: PaymentProcessing}, updates,
		func(db *gorm.DB) *gorm.DB { return db.Where("retry_count = ?", d.RetryCount) })
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &TransferFailure{Deliverable: d}, nil
	}

	d.RetryCount = retry
	if terminal {
		d.PaymentStatus = PaymentFailed
	}
	return &TransferFailure{Deliverable: d, Counted: true, Terminal: terminal}, nil
}

package payout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/metrics"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/services/deliverable"
	"github.com/TroodieTeam/troodie-sub002/services/ledger"
	"github.com/TroodieTeam/troodie-sub002/services/notification"
	"github.com/TroodieTeam/troodie-sub002/services/onboarding"
	"github.com/TroodieTeam/troodie-sub002/services/payment"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/payout")

var payoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "payouts_total",
	Help: "Payout attempts by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Register(payoutsTotal)
}

// TransferIdempotencyKey is stable per deliverable and attempt, so a
// replayed attempt reuses the processor transfer. A reversed transfer moves
// the key forward; replaying it would hand back the reversed transfer.
func TransferIdempotencyKey(deliverableID string, retry, reversals int) string {
	if reversals > 0 {
		return fmt.Sprintf("%s-transfer-%d-r%d", deliverableID, retry, reversals)
	}
	return fmt.Sprintf("%s-transfer-%d", deliverableID, retry)
}

type Processor struct {
	db           *gorm.DB
	deliverables *deliverable.Service
	accounts     *onboarding.Service
	gateway      *payment.Gateway
	ledger       *ledger.Service
	notifier     notification.Notifier
	scheduler    *Scheduler
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Deliverables *deliverable.Service
	Accounts     *onboarding.Service
	Gateway      *payment.Gateway
	Ledger       *ledger.Service
	Notifier     notification.Notifier
	Scheduler    *Scheduler
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:           p.DB,
		deliverables: p.Deliverables,
		accounts:     p.Accounts,
		gateway:      p.Gateway,
		ledger:       p.Ledger,
		notifier:     p.Notifier,
		scheduler:    p.Scheduler,
	}
}

// Payout moves the deliverable's fixed amount to the creator's connected
// account. Payouts that are not processing, already in flight, or waiting
// for onboarding are skipped without error.
func (p *Processor) Payout(ctx context.Context, deliverableID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "payout.Processor.Payout")
	defer span.End()

	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("deliverable_id", deliverableID),
	}

	d, err := p.deliverables.Get(ctx, nil, deliverableID)
	if err != nil {
		return nil, err
	}
	res := &Result{DeliverableID: d.ID}

	if d.PaymentStatus != deliverable.PaymentProcessing {
		res.Skipped, res.Reason = true, "payment_status is "+string(d.PaymentStatus)
		payoutsTotal.WithLabelValues("skipped").Inc()
		return res, nil
	}

	inFlight, err := p.ledger.HasProcessing(ctx, nil, d.ID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		res.Skipped, res.Reason = true, "payout already processing"
		payoutsTotal.WithLabelValues("skipped").Inc()
		return res, nil
	}

	accountID, completed, err := p.accounts.PayoutAccount(ctx, d.CreatorID, onboarding.RoleCreator)
	if err != nil {
		return nil, err
	}
	if accountID == "" || !completed {
		if _, err := p.deliverables.MarkPendingOnboarding(ctx, nil, d.ID); err != nil {
			return nil, err
		}
		p.notifier.Notify(ctx, notification.Notification{
			UserID:     d.CreatorID,
			Kind:       notification.KindOnboardingRequired,
			Message:    "Finish payout onboarding to receive your payment",
			Data:       map[string]any{"amount": d.PaymentAmount},
			EntityType: "deliverable",
			EntityID:   d.ID,
		})
		zap.L().With(opts...).Info("payout waiting for onboarding")
		payoutsTotal.WithLabelValues("pending_onboarding").Inc()
		res.PendingOnboarding = true
		return res, nil
	}

	idemKey := TransferIdempotencyKey(d.ID, d.RetryCount, d.Reversals)
	tr, err := p.gateway.CreateTransfer(ctx, processor.CreateTransferParams{
		DeliverableID:  d.ID,
		CampaignID:     d.CampaignID,
		CreatorID:      d.CreatorID,
		Destination:    accountID,
		Amount:         d.PaymentAmount,
		Currency:       d.Currency,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		zap.L().With(opts...).Error("failed to create transfer", zap.Error(err))
		payoutsTotal.WithLabelValues("processor_error").Inc()
		return nil, err
	}

	var entry *ledger.PayoutTransaction
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := p.deliverables.RecordTransfer(ctx, tx, d.ID, tr.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errutil.Conflict("deliverable left processing during payout", nil)
		}

		meta, _ := json.Marshal(map[string]any{"idempotency_key": idemKey, "destination": accountID, "retry": d.RetryCount})
		entry, err = p.ledger.Append(ctx, tx, ledger.EntryParams{
			Type:          ledger.TypePayout,
			Status:        ledger.StatusProcessing,
			Reference:     tr.ID,
			CampaignID:    d.CampaignID,
			DeliverableID: d.ID,
			UserID:        d.CreatorID,
			Amount:        d.PaymentAmount,
			Currency:      d.Currency,
			Metadata:      datatypes.JSON(meta),
		})
		return err
	})
	if err != nil {
		zap.L().With(opts...).Error("failed to persist transfer, reversing", zap.String("transfer_id", tr.ID), zap.Error(err))
		if rerr := p.gateway.ReverseTransfer(ctx, tr.ID, idemKey+"-reversal"); rerr != nil {
			zap.L().With(opts...).Error("failed to reverse transfer", zap.String("transfer_id", tr.ID), zap.Error(rerr))
			payoutsTotal.WithLabelValues("reversal_failed").Inc()
			return nil, errutil.Internal("payout not recorded and reversal failed", fmt.Errorf("%w; reversal: %v", err, rerr))
		}
		payoutsTotal.WithLabelValues("reversed").Inc()
		if _, merr := p.deliverables.MarkTransferReversed(context.WithoutCancel(ctx), nil, d.ID, tr.ID); merr != nil {
			zap.L().With(opts...).Error("failed to record reversed transfer", zap.String("transfer_id", tr.ID), zap.Error(merr))
			return nil, errutil.Internal("transfer reversed but not recorded", fmt.Errorf("%w; record reversal: %v", err, merr))
		}
		return nil, errutil.Internal("payout not recorded, transfer reversed", err)
	}

	zap.L().With(opts...).Info("payout transfer created",
		zap.String("transfer_id", tr.ID),
		zap.String("transaction_id", entry.ID),
		zap.Int64("amount", d.PaymentAmount),
	)
	payoutsTotal.WithLabelValues("created").Inc()

	res.TransferID = tr.ID
	res.TransactionID = entry.ID
	return res, nil
}

// Request runs the operator payout contract synchronously.
func (p *Processor) Request(ctx context.Context, req Request) (*Result, error) {
	if req.AmountMinorUnits <= 0 {
		return nil, errutil.ValidationFailed("amount must be a positive integer", nil)
	}

	d, err := p.deliverables.Get(ctx, nil, req.DeliverableID)
	if err != nil {
		return nil, err
	}

	var details []errutil.Detail
	if d.CreatorID != req.CreatorID {
		details = append(details, errutil.Detail{Field: "creator_id", Message: "does not match deliverable"})
	}
	if d.CampaignID != req.CampaignID {
		details = append(details, errutil.Detail{Field: "campaign_id", Message: "does not match deliverable"})
	}
	if d.PaymentAmount != req.AmountMinorUnits {
		details = append(details, errutil.Detail{Field: "amount_minor_units", Message: "does not match deliverable amount"})
	}
	accountID, _, err := p.accounts.PayoutAccount(ctx, d.CreatorID, onboarding.RoleCreator)
	if err != nil {
		return nil, err
	}
	if accountID != req.ConnectedAccountID {
		details = append(details, errutil.Detail{Field: "connected_account_id", Message: "does not match creator account"})
	}
	if len(details) > 0 {
		return nil, errutil.ValidationFailed("payout request does not match deliverable", nil, errutil.WithDetails(details...))
	}

	res, err := p.Payout(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		return nil, errutil.Conflict("payout already processed", nil, errutil.WithDetails(errutil.Detail{Field: "reason", Message: res.Reason}))
	}
	return res, nil
}

// ResumeForUser moves payouts parked on the creator's onboarding back to
// processing and schedules them.
func (p *Processor) ResumeForUser(ctx context.Context, creatorID string) (int, error) {
	parked, err := p.deliverables.ListPendingOnboarding(ctx, nil, creatorID)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, d := range parked {
		ok, err := p.deliverables.ResumeProcessing(ctx, nil, d.ID)
		if err != nil {
			return resumed, err
		}
		if !ok {
			continue
		}
		if err := p.scheduler.Trigger(ctx, d.ID, d.RetryCount); err != nil {
			zap.L().Error("failed to trigger resumed payout", zap.String("deliverable_id", d.ID), zap.Error(err))
			continue
		}
		resumed++
	}

	if resumed > 0 {
		zap.L().Info("payouts resumed after onboarding", zap.String("creator_id", creatorID), zap.Int("count", resumed))
	}
	return resumed, nil
}

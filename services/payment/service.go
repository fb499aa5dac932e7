package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/db/option"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/payment")

// Gateway is the thin client around the processor for intents and transfers,
// plus the durable PaymentRecord of each funding attempt.
type Gateway struct {
	db        *gorm.DB
	node      *snowflake.Node
	processor processor.Client
	now       func() time.Time

	records repository.Repository[PaymentRecord]
}

type Params struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Processor processor.Client
}

func NewGateway(p Params) *Gateway {
	return &Gateway{
		db:        p.DB,
		node:      p.Node,
		processor: p.Processor,
		now:       time.Now,
		records:   repository.ProvideStore[PaymentRecord](p.DB),
	}
}

// ProcessorError maps a processor failure onto a 502 carrying the processor code.
func ProcessorError(msg string, err error) error {
	var be errutil.BaseError
	if errors.As(err, &be) {
		return err
	}
	return errutil.BadGateway(msg, err, errutil.WithDetails(errutil.Detail{
		Field:   "processor_code",
		Message: processor.CodeOf(err),
	}))
}

// CreatePaymentIntent asks the processor for an intent, then records it.
// No record exists if the processor call fails.
func (g *Gateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, span := tracer.Start(ctx, "payment.Gateway.CreatePaymentIntent")
	defer span.End()

	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("campaign_id", req.CampaignID),
		zap.Int64("amount", req.Amount),
	}

	if req.Amount <= 0 {
		return nil, errutil.ValidationFailed("amount must be positive", nil)
	}

	attempts, err := g.records.Count(ctx, &PaymentRecord{CampaignID: req.CampaignID})
	if err != nil {
		return nil, err
	}
	attempt := int(attempts) + 1

	pi, err := g.processor.CreatePaymentIntent(ctx, processor.CreateIntentParams{
		CampaignID:     req.CampaignID,
		OwnerID:        req.OwnerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: fmt.Sprintf("%s-intent-%d", req.CampaignID, attempt),
	})
	if err != nil {
		zap.L().With(opts...).Error("failed to create payment intent", zap.Error(err))
		return nil, ProcessorError("failed to create payment intent", err)
	}

	rec := &PaymentRecord{
		ID:         g.node.Generate().String(),
		CampaignID: req.CampaignID,
		Attempt:    attempt,
		IntentID:   pi.ID,
		Provider:   g.processor.Name(),
		Amount:     req.Amount,
		Currency:   req.Currency,
		Status:     RecordPending,
	}
	if err := g.records.Create(ctx, rec); err != nil {
		zap.L().With(opts...).Error("failed to persist payment record", zap.String("intent_id", pi.ID), zap.Error(err))
		return nil, err
	}

	zap.L().With(opts...).Info("payment intent created", zap.String("intent_id", pi.ID), zap.Int("attempt", attempt))
	return &Intent{Record: rec, ClientSecret: pi.ClientSecret}, nil
}

// GetIntentStatus asks the processor for the live intent status.
func (g *Gateway) GetIntentStatus(ctx context.Context, intentID string) (processor.IntentStatus, error) {
	pi, err := g.processor.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return "", ProcessorError("failed to query payment intent", err)
	}
	return pi.Status, nil
}

// Latest returns the most recent funding attempt for a campaign, or nil.
func (g *Gateway) Latest(ctx context.Context, tx *gorm.DB, campaignID string) (*PaymentRecord, error) {
	return g.records.WithTrx(tx).FindOne(ctx, &PaymentRecord{CampaignID: campaignID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "attempt",
		OrderBy: "desc",
		Allow:   map[string]bool{"attempt": true},
	}))
}

func (g *Gateway) FindByIntent(ctx context.Context, tx *gorm.DB, intentID string) (*PaymentRecord, error) {
	return g.records.WithTrx(tx).FindOne(ctx, &PaymentRecord{IntentID: intentID}, option.WithLockingUpdate())
}

// MarkSucceeded is set-to-value; changed is false when already succeeded.
func (g *Gateway) MarkSucceeded(ctx context.Context, tx *gorm.DB, intentID string) (bool, error) {
	n, err := g.records.WithTrx(tx).UpdateWhere(ctx, &PaymentRecord{IntentID: intentID},
		map[string]any{
			"status":  RecordSucceeded,
			"paid_at": g.now(),
		},
		func(db *gorm.DB) *gorm.DB { return db.Where("status <> ?", RecordSucceeded) },
	)
	return n > 0, err
}

// MarkFailed only moves a pending record; a succeeded record stays succeeded.
func (g *Gateway) MarkFailed(ctx context.Context, tx *gorm.DB, intentID, code, message string) (bool, error) {
	n, err := g.records.WithTrx(tx).UpdateWhere(ctx, &PaymentRecord{IntentID: intentID, Status: RecordPending},
		map[string]any{
			"status":          RecordFailed,
			"failure_code":    code,
			"failure_message": truncate(message, 250),
		},
	)
	return n > 0, err
}

// CreateTransfer moves funds to a connected account.
func (g *Gateway) CreateTransfer(ctx context.Context, p processor.CreateTransferParams) (*processor.Transfer, error) {
	t, err := g.processor.CreateTransfer(ctx, p)
	if err != nil {
		return nil, ProcessorError("failed to create transfer", err)
	}
	return t, nil
}

// ReverseTransfer undoes a transfer that has no matching durable record.
func (g *Gateway) ReverseTransfer(ctx context.Context, transferID, idempotencyKey string) error {
	if err := g.processor.ReverseTransfer(ctx, transferID, idempotencyKey); err != nil {
		return ProcessorError("failed to reverse transfer", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

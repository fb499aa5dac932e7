package campaign

import (
	"context"
	"strings"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"
	"github.com/TroodieTeam/troodie-sub002/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/campaign")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	campaign repository.Repository[Campaign]
}

type ServiceParams struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		seq:      p.Seq,
		campaign: repository.ProvideStore[Campaign](p.DB),
	}
}

// ValidateDraft returns a validation error describing every missing field.
func ValidateDraft(d Draft) error {
	var details []errutil.Detail
	if strings.TrimSpace(d.OwnerID) == "" {
		details = append(details, errutil.Detail{Field: "owner_id", Message: "required"})
	}
	if strings.TrimSpace(d.RestaurantID) == "" {
		details = append(details, errutil.Detail{Field: "restaurant_id", Message: "required"})
	}
	if d.Deadline == nil || d.Deadline.IsZero() {
		details = append(details, errutil.Detail{Field: "deadline", Message: "required"})
	}
	if d.Budget <= 0 {
		details = append(details, errutil.Detail{Field: "budget", Message: "must be a positive amount in minor units"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid campaign draft", nil, errutil.WithDetails(details...))
	}
	return nil
}

// Create inserts the campaign as pending/pending.
func (s *Service) Create(ctx context.Context, d Draft, currency string) (*Campaign, error) {
	ctx, span := tracer.Start(ctx, "campaign.Service.Create")
	defer span.End()

	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("owner_id", d.OwnerID),
	}

	if err := ValidateDraft(d); err != nil {
		return nil, err
	}
	if d.Currency != "" {
		currency = strings.ToLower(d.Currency)
	}

	c := &Campaign{
		ID:            s.node.Generate().String(),
		OwnerID:       d.OwnerID,
		RestaurantID:  d.RestaurantID,
		Title:         d.Title,
		Description:   d.Description,
		Budget:        d.Budget,
		Currency:      currency,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		Deadline:      d.Deadline.UTC(),
		Metadata:      d.Metadata,
	}

	if s.seq != nil {
		code, err := s.seq.NextCampaignCode(ctx)
		if err != nil {
			zap.L().With(opts...).Warn("failed to allocate campaign code", zap.Error(err))
		}
		c.Code = code
	}

	if err := s.campaign.Create(ctx, c); err != nil {
		zap.L().With(opts...).Error("failed to create campaign", zap.Error(err))
		return nil, err
	}

	zap.L().With(opts...).Info("campaign created", zap.String("campaign_id", c.ID), zap.String("code", c.Code))
	return c, nil
}

func (s *Service) Get(ctx context.Context, tx *gorm.DB, id string) (*Campaign, error) {
	c, err := s.campaign.WithTrx(tx).FindOne(ctx, &Campaign{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found", nil)
	}
	return c, nil
}

// Delete removes a campaign that never got a payment record.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.campaign.Delete(ctx, id)
}

// MarkPaid moves the campaign to active/paid in one statement. It reports
// false when the campaign was already paid.
func (s *Service) MarkPaid(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	n, err := s.campaign.WithTrx(tx).UpdateWhere(ctx, &Campaign{ID: id},
		map[string]any{
			"status":         StatusActive,
			"payment_status": PaymentPaid,
		},
		func(db *gorm.DB) *gorm.DB {
			return db.Where("payment_status <> ?", PaymentPaid)
		},
	)
	return n > 0, err
}

// MarkPaymentFailed records a failed attempt. A paid campaign is never downgraded.
func (s *Service) MarkPaymentFailed(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	n, err := s.campaign.WithTrx(tx).UpdateWhere(ctx, &Campaign{ID: id},
		map[string]any{
			"payment_status": PaymentFailed,
		},
		func(db *gorm.DB) *gorm.DB {
			return db.Where("payment_status <> ?", PaymentPaid)
		},
	)
	return n > 0, err
}

// ResetPayment puts a pending campaign back to payment_status=pending before
// a new funding attempt.
func (s *Service) ResetPayment(ctx context.Context, tx *gorm.DB, id string) error {
	_, err := s.campaign.WithTrx(tx).UpdateWhere(ctx, &Campaign{ID: id, Status: StatusPending},
		map[string]any{
			"payment_status": PaymentPending,
		},
		func(db *gorm.DB) *gorm.DB {
			return db.Where("payment_status = ?", PaymentFailed)
		},
	)
	return err
}

package application

import (
	"context"
	"errors"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/db/option"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/application")

var errAlreadyProcessed = errors.New("application already processed")

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	campaigns *campaign.Service
	now       func() time.Time

	application repository.Repository[Application]
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Campaigns *campaign.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		campaigns:   p.Campaigns,
		now:         time.Now,
		application: repository.ProvideStore[Application](p.DB),
	}
}

func logFields(ctx context.Context, id string) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("application_id", id),
	}
}

func (s *Service) Get(ctx context.Context, tx *gorm.DB, id string) (*Application, error) {
	app, err := s.application.WithTrx(tx).FindOne(ctx, &Application{ID: id})
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, errutil.NotFound("application not found", nil)
	}
	return app, nil
}

// Apply creates a pending application for a funded campaign.
func (s *Service) Apply(ctx context.Context, creatorID string, req ApplyRequest) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.Service.Apply")
	defer span.End()

	opts := append(logFields(ctx, ""), zap.String("campaign_id", req.CampaignID), zap.String("creator_id", creatorID))

	if req.ProposedRate <= 0 {
		return nil, errutil.ValidationFailed("proposed rate must be positive", nil)
	}

	c, err := s.campaigns.Get(ctx, nil, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if !c.IsFunded() {
		return nil, errutil.UnprocessableEntity("campaign is not accepting applications", nil)
	}
	if c.OwnerID == creatorID {
		return nil, errutil.ValidationFailed("campaign owner cannot apply", nil)
	}

	existing, err := s.application.Count(ctx, &Application{CampaignID: req.CampaignID, CreatorID: creatorID},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.NEQ, Value: StatusWithdrawn}))
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, errutil.Conflict("application already exists", nil)
	}

	app := &Application{
		ID:           s.node.Generate().String(),
		CampaignID:   req.CampaignID,
		CreatorID:    creatorID,
		ProposedRate: req.ProposedRate,
		Currency:     c.Currency,
		Note:         req.Note,
		Status:       StatusPending,
	}
	if err := s.application.Create(ctx, app); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("application already exists", err)
		}
		zap.L().With(opts...).Error("failed to create application", zap.Error(err))
		return nil, err
	}

	zap.L().With(opts...).Info("application created", zap.String("application_id", app.ID))
	return app, nil
}

// transition moves an application out of one of the from states. It reports
// a conflict when another request already moved it.
func (s *Service) transition(ctx context.Context, id string, from []Status, updates map[string]any) (*Application, error) {
	n, err := s.application.UpdateWhere(ctx, &Application{ID: id}, updates,
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: from}))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errutil.Conflict(errAlreadyProcessed.Error(), errAlreadyProcessed)
	}
	return s.Get(ctx, nil, id)
}

func (s *Service) ownedPending(ctx context.Context, id, ownerID string) (*Application, error) {
	app, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	c, err := s.campaigns.Get(ctx, nil, app.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, errutil.Forbidden("only the campaign owner can decide applications", nil)
	}
	if app.Status != StatusPending {
		return nil, errutil.Conflict(errAlreadyProcessed.Error(), errAlreadyProcessed)
	}
	return app, nil
}

// Accept fixes the agreed rate. A zero rate accepts the proposal as is.
func (s *Service) Accept(ctx context.Context, id, ownerID string, agreedRate int64) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.Service.Accept")
	defer span.End()

	if agreedRate < 0 {
		return nil, errutil.ValidationFailed("agreed rate must be positive", nil)
	}

	app, err := s.ownedPending(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if agreedRate == 0 {
		agreedRate = app.ProposedRate
	}

	out, err := s.transition(ctx, id, []Status{StatusPending}, map[string]any{
		"status":      StatusAccepted,
		"agreed_rate": agreedRate,
		"decided_by":  ownerID,
		"decided_at":  s.now(),
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(logFields(ctx, id)...).Info("application accepted", zap.Int64("agreed_rate", agreedRate))
	return out, nil
}

func (s *Service) Reject(ctx context.Context, id, ownerID string) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.Service.Reject")
	defer span.End()

	if _, err := s.ownedPending(ctx, id, ownerID); err != nil {
		return nil, err
	}
	out, err := s.transition(ctx, id, []Status{StatusPending}, map[string]any{
		"status":     StatusRejected,
		"decided_by": ownerID,
		"decided_at": s.now(),
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(logFields(ctx, id)...).Info("application rejected")
	return out, nil
}

// Withdraw frees the (campaign, creator) slot for a new application.
func (s *Service) Withdraw(ctx context.Context, id, creatorID string) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.Service.Withdraw")
	defer span.End()

	app, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if app.CreatorID != creatorID {
		return nil, errutil.Forbidden("only the applicant can withdraw", nil)
	}

	out, err := s.transition(ctx, id, []Status{StatusPending, StatusAccepted}, map[string]any{
		"status": StatusWithdrawn,
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(logFields(ctx, id)...).Info("application withdrawn")
	return out, nil
}

// UpdateRate changes the rate of a live application. Deliverables already
// submitted keep the amount they copied at submission.
func (s *Service) UpdateRate(ctx context.Context, id, ownerID string, rate int64) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.Service.UpdateRate")
	defer span.End()

	if rate <= 0 {
		return nil, errutil.ValidationFailed("rate must be positive", nil)
	}

	app, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	c, err := s.campaigns.Get(ctx, nil, app.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, errutil.Forbidden("only the campaign owner can change rates", nil)
	}

	column := "proposed_rate"
	if app.Status == StatusAccepted {
		column = "agreed_rate"
	}
	return s.transition(ctx, id, []Status{StatusPending, StatusAccepted}, map[string]any{column: rate})
}

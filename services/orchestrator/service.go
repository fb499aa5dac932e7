package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/lease"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/rediskey"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/ledger"
	"github.com/TroodieTeam/troodie-sub002/services/onboarding"
	"github.com/TroodieTeam/troodie-sub002/services/payment"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/orchestrator")

const (
	defaultPollInterval = 2 * time.Second
	defaultPollAttempts = 10
	defaultLeaseTTL     = time.Minute

	processingMessage = "Payment is processing, check back shortly"
)

// Collector presents payment collection to the sponsor.
type Collector interface {
	Collect(ctx context.Context, f *Funding) (CollectionResult, error)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	campaigns *campaign.Service
	gateway   *payment.Gateway
	accounts  *onboarding.Service
	ledger    *ledger.Service
	locker    lease.Locker
	currency  string

	pollInterval time.Duration
	pollAttempts int
	leaseTTL     time.Duration

	events repository.Repository[FundingEvent]
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Campaigns *campaign.Service
	Gateway   *payment.Gateway
	Accounts  *onboarding.Service
	Ledger    *ledger.Service
	Locker    lease.Locker
}

func NewService(p Params) *Service {
	s := &Service{
		db:           p.DB,
		node:         p.Node,
		campaigns:    p.Campaigns,
		gateway:      p.Gateway,
		accounts:     p.Accounts,
		ledger:       p.Ledger,
		locker:       p.Locker,
		currency:     p.Config.Processor.Currency,
		pollInterval: p.Config.Funding.PollInterval,
		pollAttempts: p.Config.Funding.PollAttempts,
		leaseTTL:     p.Config.Funding.LeaseTTL,
		events:       repository.ProvideStore[FundingEvent](p.DB),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.pollAttempts <= 0 {
		s.pollAttempts = defaultPollAttempts
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = defaultLeaseTTL
	}
	if s.currency == "" {
		s.currency = "usd"
	}
	return s
}

func logFields(ctx context.Context, campaignID string) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
		zap.String("campaign_id", campaignID),
	}
}

func (s *Service) record(ctx context.Context, campaignID string, attempt int, kind EventKind, intentID string, attrs map[string]any) {
	ev := &FundingEvent{
		ID:         s.node.Generate().String(),
		CampaignID: campaignID,
		Attempt:    attempt,
		Kind:       kind,
		IntentID:   intentID,
	}
	if len(attrs) > 0 {
		raw, _ := json.Marshal(attrs)
		ev.Attributes = datatypes.JSON(raw)
	}
	if err := s.events.Create(ctx, ev); err != nil {
		zap.L().With(logFields(ctx, campaignID)...).Warn("failed to record funding event", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Fund validates the draft, inserts the pending campaign and requests its
// payment intent. A failed intent request deletes the campaign again.
func (s *Service) Fund(ctx context.Context, ownerID string, req FundRequest) (*Funding, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Service.Fund")
	defer span.End()

	draft := campaign.Draft{
		OwnerID:      ownerID,
		RestaurantID: req.RestaurantID,
		Title:        req.Title,
		Description:  req.Description,
		Budget:       req.Budget,
		Currency:     req.Currency,
		Deadline:     req.Deadline,
		Metadata:     req.Metadata,
	}
	if err := campaign.ValidateDraft(draft); err != nil {
		return nil, err
	}

	st, err := s.accounts.GetStatus(ctx, ownerID, onboarding.RoleBusiness)
	if err != nil {
		return nil, err
	}
	if !st.OnboardingCompleted {
		return nil, errutil.ValidationFailed("payment account onboarding is not complete", nil,
			errutil.WithDetails(errutil.Detail{Field: "account", Message: "onboarding_incomplete"}))
	}

	c, err := s.campaigns.Create(ctx, draft, s.currency)
	if err != nil {
		return nil, err
	}
	opts := logFields(ctx, c.ID)

	intent, err := s.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{
		CampaignID: c.ID,
		OwnerID:    ownerID,
		Amount:     c.Budget,
		Currency:   c.Currency,
	})
	if err != nil {
		if derr := s.campaigns.Delete(ctx, c.ID); derr != nil {
			zap.L().With(opts...).Error("failed to roll back campaign", zap.Error(derr))
		}
		zap.L().With(opts...).Warn("funding aborted, campaign rolled back", zap.Error(err))
		return nil, err
	}

	s.record(ctx, c.ID, intent.Record.Attempt, EventIntentCreated, intent.Record.IntentID, map[string]any{"amount": c.Budget})
	zap.L().With(opts...).Info("campaign funding started", zap.String("intent_id", intent.Record.IntentID))

	return &Funding{
		Campaign:     c,
		IntentID:     intent.Record.IntentID,
		ClientSecret: intent.ClientSecret,
		Attempt:      intent.Record.Attempt,
	}, nil
}

// FundCampaign runs the whole sponsor flow: fund, collect, then reconcile.
func (s *Service) FundCampaign(ctx context.Context, ownerID string, req FundRequest, collector Collector) (*Result, error) {
	f, err := s.Fund(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}

	res, err := collector.Collect(ctx, f)
	if err != nil {
		s.record(ctx, f.Campaign.ID, f.Attempt, EventFailed, f.IntentID, map[string]any{"error": err.Error()})
		return nil, payment.ProcessorError("payment collection failed", err)
	}
	return s.ReportResult(ctx, f.Campaign.ID, ownerID, ResultRequest{Result: res})
}

func (s *Service) ownedCampaign(ctx context.Context, campaignID, ownerID string) (*campaign.Campaign, error) {
	c, err := s.campaigns.Get(ctx, nil, campaignID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, errutil.Forbidden("campaign belongs to another sponsor", nil)
	}
	return c, nil
}

// ReportResult applies the sponsor-side collection outcome. Only success
// starts reconciliation; the campaign stays pending otherwise.
func (s *Service) ReportResult(ctx context.Context, campaignID, ownerID string, req ResultRequest) (*Result, error) {
	if _, err := s.ownedCampaign(ctx, campaignID, ownerID); err != nil {
		return nil, err
	}

	switch req.Result {
	case CollectionSucceeded:
		rec, err := s.gateway.Latest(ctx, nil, campaignID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			s.record(ctx, campaignID, rec.Attempt, EventCollected, rec.IntentID, nil)
		}
		return s.Reconcile(ctx, campaignID)
	case CollectionCancelled:
		return s.Cancel(ctx, campaignID, ownerID)
	case CollectionFailed:
		rec, err := s.gateway.Latest(ctx, nil, campaignID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			s.record(ctx, campaignID, rec.Attempt, EventFailed, rec.IntentID, map[string]any{
				"failure_code":    req.FailureCode,
				"failure_message": req.FailureMessage,
			})
		}
		st, err := s.GetPaymentStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeFailed, Status: st, Message: req.FailureMessage}, nil
	default:
		return nil, errutil.ValidationFailed("unknown collection result", nil,
			errutil.WithDetails(errutil.Detail{Field: "result", Message: string(req.Result)}))
	}
}

// Cancel records that the sponsor backed out. The campaign stays pending so
// funding can be resumed.
func (s *Service) Cancel(ctx context.Context, campaignID, ownerID string) (*Result, error) {
	c, err := s.ownedCampaign(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}
	if c.IsFunded() {
		return nil, errutil.Conflict("campaign already funded", nil)
	}

	rec, err := s.gateway.Latest(ctx, nil, campaignID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		if _, err := s.gateway.MarkFailed(ctx, nil, rec.IntentID, "cancelled_by_sponsor", "payment collection cancelled"); err != nil {
			return nil, err
		}
		s.record(ctx, campaignID, rec.Attempt, EventCancelled, rec.IntentID, nil)
	}

	st, err := s.GetPaymentStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	zap.L().With(logFields(ctx, campaignID)...).Info("funding cancelled by sponsor")
	return &Result{Outcome: OutcomeCancelled, Status: st}, nil
}

// Resume requests a new payment intent for a campaign that is still pending.
func (s *Service) Resume(ctx context.Context, campaignID, ownerID string) (*Funding, error) {
	c, err := s.ownedCampaign(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}
	if c.IsFunded() || c.PaymentStatus == campaign.PaymentPaid {
		return nil, errutil.Conflict("campaign already funded", nil)
	}
	if c.Status != campaign.StatusPending {
		return nil, errutil.UnprocessableEntity("only pending campaigns can be funded", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(c.Status)}))
	}

	if err := s.campaigns.ResetPayment(ctx, nil, c.ID); err != nil {
		return nil, err
	}
	intent, err := s.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{
		CampaignID: c.ID,
		OwnerID:    ownerID,
		Amount:     c.Budget,
		Currency:   c.Currency,
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, c.ID, intent.Record.Attempt, EventIntentCreated, intent.Record.IntentID, map[string]any{"resumed": true})
	c.PaymentStatus = campaign.PaymentPending
	return &Funding{
		Campaign:     c,
		IntentID:     intent.Record.IntentID,
		ClientSecret: intent.ClientSecret,
		Attempt:      intent.Record.Attempt,
	}, nil
}

func (s *Service) GetPaymentStatus(ctx context.Context, campaignID string) (*PaymentStatus, error) {
	c, err := s.campaigns.Get(ctx, nil, campaignID)
	if err != nil {
		return nil, err
	}
	st := &PaymentStatus{
		CampaignID:     c.ID,
		CampaignStatus: c.Status,
		PaymentStatus:  c.PaymentStatus,
	}

	rec, err := s.gateway.Latest(ctx, nil, campaignID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		st.PaymentRecordStatus = rec.Status
		st.IntentID = rec.IntentID
		st.Attempt = rec.Attempt
	}
	return st, nil
}

// Reconcile polls for the webhook-confirmed payment. At most one
// reconciliation runs per campaign; a concurrent call returns the current
// status. Running out of polls yields the processing outcome, not an error.
func (s *Service) Reconcile(ctx context.Context, campaignID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Service.Reconcile")
	defer span.End()
	opts := logFields(ctx, campaignID)

	release, acquired, err := s.locker.Acquire(ctx, rediskey.BuildFundingLeaseKey(campaignID), s.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		st, err := s.GetPaymentStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: outcomeOf(st), Status: st, InProgress: true, Message: processingMessage}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			zap.L().With(opts...).Warn("failed to release funding lease", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for poll := 1; poll <= s.pollAttempts; poll++ {
		st, err := s.GetPaymentStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if st.PaymentStatus == campaign.PaymentPaid {
			if _, err := s.campaigns.MarkPaid(ctx, nil, campaignID); err != nil {
				return nil, err
			}
			st.CampaignStatus = campaign.StatusActive
			s.record(ctx, campaignID, st.Attempt, EventConfirmed, st.IntentID, map[string]any{"polls": poll})
			zap.L().With(opts...).Info("campaign funding confirmed", zap.Int("polls", poll))
			return &Result{Outcome: OutcomeActive, Status: st, Polls: poll}, nil
		}
		if st.PaymentRecordStatus == payment.RecordFailed {
			return &Result{Outcome: OutcomeFailed, Status: st, Polls: poll}, nil
		}

		if poll == s.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return s.finalCheck(ctx, campaignID)
}

// finalCheck applies the derived update when the payment succeeded but the
// campaign was never updated.
func (s *Service) finalCheck(ctx context.Context, campaignID string) (*Result, error) {
	opts := logFields(ctx, campaignID)

	c, err := s.campaigns.Get(ctx, nil, campaignID)
	if err != nil {
		return nil, err
	}
	rec, err := s.gateway.Latest(ctx, nil, campaignID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		st, err := s.GetPaymentStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeProcessing, Status: st, Polls: s.pollAttempts, Message: processingMessage}, nil
	}

	succeeded := rec.Status == payment.RecordSucceeded
	if !succeeded && rec.Status == payment.RecordPending {
		status, err := s.gateway.GetIntentStatus(ctx, rec.IntentID)
		if err != nil {
			zap.L().With(opts...).Warn("failed to query intent status", zap.Error(err))
		}
		succeeded = status == processor.IntentSucceeded
	}

	if succeeded {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := s.gateway.MarkSucceeded(ctx, tx, rec.IntentID); err != nil {
				return err
			}
			if _, err := s.campaigns.MarkPaid(ctx, tx, campaignID); err != nil {
				return err
			}
			_, err := s.ledger.Append(ctx, tx, ledger.EntryParams{
				Type:       ledger.TypePayment,
				Status:     ledger.StatusCompleted,
				Reference:  rec.IntentID,
				CampaignID: campaignID,
				UserID:     c.OwnerID,
				Amount:     rec.Amount,
				Currency:   rec.Currency,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		s.record(ctx, campaignID, rec.Attempt, EventDerived, rec.IntentID, nil)
		zap.L().With(opts...).Info("applied derived funding update")

		st, err := s.GetPaymentStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeActive, Status: st, Polls: s.pollAttempts}, nil
	}

	s.record(ctx, campaignID, rec.Attempt, EventTimedOut, rec.IntentID, nil)
	st, err := s.GetPaymentStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: outcomeOf(st), Status: st, Polls: s.pollAttempts, Message: processingMessage}, nil
}

func outcomeOf(st *PaymentStatus) Outcome {
	switch {
	case st.PaymentStatus == campaign.PaymentPaid:
		return OutcomeActive
	case st.PaymentRecordStatus == payment.RecordFailed:
		return OutcomeFailed
	default:
		return OutcomeProcessing
	}
}

// Events lists the funding history of a campaign, oldest first.
func (s *Service) Events(ctx context.Context, campaignID string) ([]*FundingEvent, error) {
	return s.events.Find(ctx, &FundingEvent{CampaignID: campaignID}, func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at asc, id asc")
	})
}

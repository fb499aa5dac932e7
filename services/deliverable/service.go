package deliverable

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/db/option"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/featureflags"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"
	"github.com/TroodieTeam/troodie-sub002/pkg/task"
	"github.com/TroodieTeam/troodie-sub002/services/access"
	"github.com/TroodieTeam/troodie-sub002/services/application"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/notification"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/deliverable")

const (
	defaultWindow     = 72 * time.Hour
	defaultSweepBatch = 100
	sweepConcurrency  = 8
)

var errAlreadyReviewed = errors.New("deliverable already reviewed")

// PayoutTrigger starts the payout of an approved deliverable. retry is the
// attempt number the payout runs as.
type PayoutTrigger interface {
	Trigger(ctx context.Context, deliverableID string, retry int) error
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	apps     *application.Service
	camps    *campaign.Service
	checker  access.Checker
	notifier notification.Notifier
	enqueuer task.Enqueuer
	payouts  PayoutTrigger
	flags    featureflags.FeatureFlag
	now      func() time.Time

	window     time.Duration
	sweepBatch int

	deliverable repository.Repository[Deliverable]
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Node         *snowflake.Node
	Config       *config.Config
	Applications *application.Service
	Campaigns    *campaign.Service
	Checker      access.Checker
	Notifier     notification.Notifier
	Enqueuer     task.Enqueuer
	Payouts      PayoutTrigger
	Flags        featureflags.FeatureFlag `optional:"true"`
}

func NewService(p Params) *Service {
	window := p.Config.Review.AutoApprovalWindow
	if window <= 0 {
		window = defaultWindow
	}
	batch := p.Config.Review.SweepBatch
	if batch <= 0 {
		batch = defaultSweepBatch
	}

	return &Service{
		db:          p.DB,
		node:        p.Node,
		apps:        p.Applications,
		camps:       p.Campaigns,
		checker:     p.Checker,
		notifier:    p.Notifier,
		enqueuer:    p.Enqueuer,
		payouts:     p.Payouts,
		flags:       p.Flags,
		now:         time.Now,
		window:      window,
		sweepBatch:  batch,
		deliverable: repository.ProvideStore[Deliverable](p.DB),
	}
}

func logFields(ctx context.Context, id string) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("deliverable_id", id),
	}
}

func (s *Service) Get(ctx context.Context, tx *gorm.DB, id string) (*Deliverable, error) {
	d, err := s.deliverable.WithTrx(tx).FindOne(ctx, &Deliverable{ID: id})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errutil.NotFound("deliverable not found", nil)
	}
	return d, nil
}

// Submit moves a deliverable to pending_review. The first submission copies
// the agreed rate; a resubmission after requested changes keeps it.
func (s *Service) Submit(ctx context.Context, creatorID string, req SubmitRequest) (*Deliverable, error) {
	ctx, span := tracer.Start(ctx, "deliverable.Service.Submit")
	defer span.End()

	opts := append(logFields(ctx, ""), zap.String("application_id", req.ApplicationID), zap.String("creator_id", creatorID))

	platform := NormalizePlatform(req.Platform)
	if err := ValidatePostURL(platform, req.PostURL); err != nil {
		return nil, err
	}

	app, err := s.apps.Get(ctx, nil, req.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app.CreatorID != creatorID {
		return nil, errutil.Forbidden("only the applicant can submit deliverables", nil)
	}
	if app.Status != application.StatusAccepted {
		return nil, errutil.UnprocessableEntity("application is not accepted", nil)
	}

	now := s.now().UTC()
	var out *Deliverable
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.deliverable.WithTrx(tx).FindOne(ctx, &Deliverable{ApplicationID: app.ID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		if existing == nil {
			out = &Deliverable{
				ID:            s.node.Generate().String(),
				ApplicationID: app.ID,
				CampaignID:    app.CampaignID,
				CreatorID:     app.CreatorID,
				Platform:      platform,
				PostURL:       strings.TrimSpace(req.PostURL),
				Caption:       req.Caption,
				Status:        StatusPendingReview,
				PaymentStatus: PaymentPending,
				PaymentAmount: app.AgreedRate,
				Currency:      app.Currency,
				SubmittedAt:   &now,
			}
			if err := s.deliverable.WithTrx(tx).Create(ctx, out); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errutil.Conflict("deliverable already submitted", err)
				}
				return err
			}
			return nil
		}

		n, err := s.deliverable.WithTrx(tx).UpdateWhere(ctx, &Deliverable{ID: existing.ID},
			map[string]any{
				"platform":     platform,
				"post_url":     strings.TrimSpace(req.PostURL),
				"caption":      req.Caption,
				"status":       StatusPendingReview,
				"submitted_at": now,
			},
			option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []Status{StatusDraft, StatusRevisionRequested}}),
		)
		if err != nil {
			return err
		}
		if n == 0 {
			return errutil.Conflict("deliverable already submitted", nil)
		}

		out, err = s.Get(ctx, tx, existing.ID)
		return err
	})
	if err != nil {
		zap.L().With(opts...).Warn("failed to submit deliverable", zap.Error(err))
		return nil, err
	}

	s.scheduleAutoApproval(ctx, out)
	if c, err := s.camps.Get(ctx, nil, out.CampaignID); err == nil {
		s.notifier.Notify(ctx, notification.Notification{
			UserID:     c.OwnerID,
			Kind:       notification.KindDeliverableSubmitted,
			Message:    "A deliverable is waiting for your review",
			Data:       map[string]any{"campaign_id": out.CampaignID, "platform": out.Platform},
			EntityType: "deliverable",
			EntityID:   out.ID,
		})
	}

	zap.L().With(opts...).Info("deliverable submitted", zap.String("deliverable_id", out.ID), zap.Int64("amount", out.PaymentAmount))
	return out, nil
}

// scheduleAutoApproval enqueues the timeout check. A lost task only delays
// auto-approval until the next sweep.
func (s *Service) scheduleAutoApproval(ctx context.Context, d *Deliverable) {
	t, err := NewAutoApprovalTask(d.ID, *d.SubmittedAt)
	if err != nil {
		zap.L().With(logFields(ctx, d.ID)...).Error("failed to build auto-approval task", zap.Error(err))
		return
	}

	delay := d.SubmittedAt.Add(s.window).Sub(s.now())
	if _, err := s.enqueuer.Enqueue(ctx, t, AutoApprovalTaskOptions(d.ID, *d.SubmittedAt, delay)...); err != nil && !task.IsDuplicate(err) {
		zap.L().With(logFields(ctx, d.ID)...).Warn("failed to schedule auto-approval check", zap.Error(err))
	}
}

// authorizeReviewer allows the campaign owner or anyone holding the
// deliverable review permission.
func (s *Service) authorizeReviewer(ctx context.Context, d *Deliverable, reviewerID string) error {
	if strings.TrimSpace(reviewerID) == "" {
		return errutil.Unauthorized("missing reviewer identity", nil)
	}
	if reviewerID == d.CreatorID {
		return errutil.Forbidden("creators cannot review their own deliverables", nil)
	}

	c, err := s.camps.Get(ctx, nil, d.CampaignID)
	if err != nil {
		return err
	}
	if c.OwnerID == reviewerID {
		return nil
	}

	allowed, err := s.checker.Can(ctx, reviewerID, access.ObjDeliverable, access.ActReview)
	if err != nil {
		return err
	}
	if !allowed {
		return errutil.Forbidden("not a reviewer of this deliverable", nil)
	}
	return nil
}

func requireFeedback(feedback string) error {
	if strings.TrimSpace(feedback) == "" {
		return errutil.ValidationFailed("Feedback is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "feedback", Message: "required"}))
	}
	return nil
}

// review applies a review transition guarded by the current status.
func (s *Service) review(ctx context.Context, id string, from []Status, updates map[string]any, extra ...option.QueryOption) (bool, error) {
	opts := append([]option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: from}),
	}, extra...)
	n, err := s.deliverable.UpdateWhere(ctx, &Deliverable{ID: id}, updates, opts...)
	return n > 0, err
}

var reviewable = []Status{StatusPendingReview, StatusRevisionRequested}

// Approve accepts the deliverable and starts its payout.
func (s *Service) Approve(ctx context.Context, id, reviewerID, feedback string) (*Deliverable, error) {
	ctx, span := tracer.Start(ctx, "deliverable.Service.Approve")
	defer span.End()

	d, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeReviewer(ctx, d, reviewerID); err != nil {
		return nil, err
	}

	ok, err := s.review(ctx, id, reviewable, map[string]any{
		"status":         StatusApproved,
		"payment_status": PaymentProcessing,
		"reviewer_id":    reviewerID,
		"reviewed_at":    s.now().UTC(),
		"feedback":       strings.TrimSpace(feedback),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Conflict(errAlreadyReviewed.Error(), errAlreadyReviewed)
	}

	return s.afterApproval(ctx, id, StatusApproved)
}

func (s *Service) afterApproval(ctx context.Context, id string, status Status) (*Deliverable, error) {
	opts := append(logFields(ctx, id), zap.String("status", string(status)))

	if err := s.payouts.Trigger(ctx, id, 0); err != nil {
		zap.L().With(opts...).Error("failed to trigger payout", zap.Error(err))
	}

	d, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, notification.Notification{
		UserID:     d.CreatorID,
		Kind:       notification.KindDeliverableApproved,
		Message:    "Your deliverable was approved",
		Data:       map[string]any{"amount": d.PaymentAmount, "auto_approved": status == StatusAutoApproved},
		EntityType: "deliverable",
		EntityID:   d.ID,
	})

	zap.L().With(opts...).Info("deliverable approved")
	return d, nil
}

// Reject is terminal. Feedback is mandatory.
func (s *Service) Reject(ctx context.Context, id, reviewerID, feedback string) (*Deliverable, error) {
	ctx, span := tracer.Start(ctx, "deliverable.Service.Reject")
	defer span.End()

	if err := requireFeedback(feedback); err != nil {
		return nil, err
	}

	d, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeReviewer(ctx, d, reviewerID); err != nil {
		return nil, err
	}

	ok, err := s.review(ctx, id, reviewable, map[string]any{
		"status":      StatusRejected,
		"reviewer_id": reviewerID,
		"reviewed_at": s.now().UTC(),
		"feedback":    strings.TrimSpace(feedback),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Conflict(errAlreadyReviewed.Error(), errAlreadyReviewed)
	}

	s.notifier.Notify(ctx, notification.Notification{
		UserID:     d.CreatorID,
		Kind:       notification.KindDeliverableRejected,
		Message:    "Your deliverable was rejected",
		Data:       map[string]any{"feedback": strings.TrimSpace(feedback)},
		EntityType: "deliverable",
		EntityID:   id,
	})

	zap.L().With(logFields(ctx, id)...).Info("deliverable rejected")
	return s.Get(ctx, nil, id)
}

// RequestChanges sends a pending deliverable back to the creator.
func (s *Service) RequestChanges(ctx context.Context, id, reviewerID, feedback string, changes []string) (*Deliverable, error) {
	ctx, span := tracer.Start(ctx, "deliverable.Service.RequestChanges")
	defer span.End()

	if err := requireFeedback(feedback); err != nil {
		return nil, err
	}

	d, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeReviewer(ctx, d, reviewerID); err != nil {
		return nil, err
	}

	if changes == nil {
		changes = []string{}
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return nil, err
	}

	ok, err := s.review(ctx, id, []Status{StatusPendingReview}, map[string]any{
		"status":           StatusRevisionRequested,
		"reviewer_id":      reviewerID,
		"reviewed_at":      s.now().UTC(),
		"feedback":         strings.TrimSpace(feedback),
		"changes_required": datatypes.JSON(raw),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Conflict(errAlreadyReviewed.Error(), errAlreadyReviewed)
	}

	s.notifier.Notify(ctx, notification.Notification{
		UserID:     d.CreatorID,
		Kind:       notification.KindChangesRequested,
		Message:    "Changes were requested on your deliverable",
		Data:       map[string]any{"feedback": strings.TrimSpace(feedback), "changes_required": changes},
		EntityType: "deliverable",
		EntityID:   id,
	})

	zap.L().With(logFields(ctx, id)...).Info("deliverable changes requested", zap.Int("changes", len(changes)))
	return s.Get(ctx, nil, id)
}

// CheckAutoApproval approves a deliverable left in pending_review for the
// whole window. It reports whether this call made the transition; repeated
// calls never trigger a second payout.
func (s *Service) CheckAutoApproval(ctx context.Context, id string) (*Deliverable, bool, error) {
	ctx, span := tracer.Start(ctx, "deliverable.Service.CheckAutoApproval")
	defer span.End()

	d, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	if d.Status != StatusPendingReview || d.SubmittedAt == nil || now.Sub(*d.SubmittedAt) < s.window {
		return d, false, nil
	}

	cutoff := now.Add(-s.window)
	ok, err := s.review(ctx, id, []Status{StatusPendingReview}, map[string]any{
		"status":         StatusAutoApproved,
		"payment_status": PaymentProcessing,
		"reviewer_id":    SystemReviewer,
		"reviewed_at":    now,
	}, option.ApplyOperator(option.Condition{Field: "submitted_at", Operator: option.LTE, Value: cutoff}))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		d, err = s.Get(ctx, nil, id)
		return d, false, err
	}

	d, err = s.afterApproval(ctx, id, StatusAutoApproved)
	return d, true, err
}

// SweepAutoApprovals checks every overdue pending_review deliverable. It
// returns how many were auto-approved by this sweep.
func (s *Service) SweepAutoApprovals(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "deliverable.Service.SweepAutoApprovals")
	defer span.End()

	if s.flags != nil && !s.flags.IsEnabled(ctx, featureflags.AutoApprovalSweep, true) {
		zap.L().Info("auto-approval sweep disabled by feature flag")
		return 0, nil
	}

	cutoff := s.now().UTC().Add(-s.window)
	var approved atomic.Int64
	lastID := ""

	for {
		if err := ctx.Err(); err != nil {
			return int(approved.Load()), err
		}

		batch, err := s.deliverable.Find(ctx, &Deliverable{Status: StatusPendingReview},
			option.ApplyOperator(option.Condition{Field: "submitted_at", Operator: option.LTE, Value: cutoff}),
			option.ApplyOperator(option.Condition{Field: "id", Operator: option.GT, Value: lastID}),
			option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
			option.WithLimit(s.sweepBatch),
		)
		if err != nil {
			return int(approved.Load()), err
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for _, d := range batch {
			g.Go(func() error {
				_, ok, err := s.CheckAutoApproval(gctx, d.ID)
				if err != nil {
					zap.L().With(logFields(gctx, d.ID)...).Warn("auto-approval check failed", zap.Error(err))
					return nil
				}
				if ok {
					approved.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		lastID = batch[len(batch)-1].ID
		if len(batch) < s.sweepBatch {
			break
		}
	}

	if n := approved.Load(); n > 0 {
		zap.L().Info("auto-approval sweep finished", zap.Int64("approved", n))
	}
	return int(approved.Load()), nil
}

// Dispute freezes an approved deliverable whose payment has not completed.
func (s *Service) Dispute(ctx context.Context, id, userID, reason string) (*Deliverable, error) {
	ctx, span := tracer.Start(ctx, "deliverable.Service.Dispute")
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, errutil.ValidationFailed("dispute reason is required", nil)
	}

	d, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if userID != d.CreatorID {
		if err := s.authorizeReviewer(ctx, d, userID); err != nil {
			return nil, err
		}
	}
	if d.PaymentStatus == PaymentCompleted {
		return nil, errutil.Conflict("payment already completed", nil)
	}

	ok, err := s.review(ctx, id, []Status{StatusApproved, StatusAutoApproved}, map[string]any{
		"status":         StatusDisputed,
		"payment_status": PaymentDisputed,
		"dispute_reason": strings.TrimSpace(reason),
	}, option.ApplyOperator(option.Condition{Field: "payment_status", Operator: option.NEQ, Value: PaymentCompleted}))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Conflict("deliverable cannot be disputed", nil)
	}

	zap.L().With(logFields(ctx, id)...).Info("deliverable disputed", zap.String("by", userID))
	return s.Get(ctx, nil, id)
}

// Remaining computes the auto-approval countdown. Negative elapsed time
// from clock skew counts as zero.
func Remaining(submittedAt, now time.Time, window time.Duration) (float64, Urgency) {
	elapsed := math.Max(0, now.Sub(submittedAt).Hours())
	remaining := math.Max(0, window.Hours()-elapsed)

	switch {
	case remaining <= 0:
		return 0, UrgencyExpired
	case remaining <= 12:
		return remaining, UrgencyHigh
	case remaining <= 24:
		return remaining, UrgencyMedium
	default:
		return remaining, UrgencyLow
	}
}

func (s *Service) TimeRemaining(ctx context.Context, id string) (*TimeRemaining, error) {
	d, err := s.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if d.SubmittedAt == nil {
		return nil, errutil.UnprocessableEntity("deliverable has not been submitted", nil)
	}

	hours, urgency := Remaining(*d.SubmittedAt, s.now(), s.window)
	return &TimeRemaining{
		DeliverableID:  d.ID,
		HoursRemaining: math.Round(hours*100) / 100,
		Urgency:        urgency,
		DeadlineAt:     d.SubmittedAt.Add(s.window),
	}, nil
}

package webhook

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/db/option"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/metrics"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/repository"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/deliverable"
	"github.com/TroodieTeam/troodie-sub002/services/ledger"
	"github.com/TroodieTeam/troodie-sub002/services/notification"
	"github.com/TroodieTeam/troodie-sub002/services/onboarding"
	"github.com/TroodieTeam/troodie-sub002/services/payment"
	"github.com/TroodieTeam/troodie-sub002/services/payout"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("github.com/TroodieTeam/troodie-sub002/services/webhook")

const (
	defaultMaxRetries    = 3
	maxProcessErrorBytes = 500
)

var (
	errDuplicateEvent = errors.New("event already processed")

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Processor webhook events by kind and result.",
	}, []string{"kind", "result"})
)

func init() {
	metrics.Register(eventsTotal)
}

// effect runs after the event transaction commits.
type effect func(ctx context.Context)

type Reconciler struct {
	db           *gorm.DB
	node         *snowflake.Node
	processor    processor.Client
	gateway      *payment.Gateway
	campaigns    *campaign.Service
	deliverables *deliverable.Service
	accounts     *onboarding.Service
	ledger       *ledger.Service
	payouts      *payout.Processor
	scheduler    *payout.Scheduler
	notifier     notification.Notifier
	maxRetries   int
	now          func() time.Time

	events repository.Repository[ProcessorEvent]
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Node         *snowflake.Node
	Config       *config.Config
	Processor    processor.Client
	Gateway      *payment.Gateway
	Campaigns    *campaign.Service
	Deliverables *deliverable.Service
	Accounts     *onboarding.Service
	Ledger       *ledger.Service
	Payouts      *payout.Processor
	Scheduler    *payout.Scheduler
	Notifier     notification.Notifier
}

func NewReconciler(p Params) *Reconciler {
	maxRetries := p.Config.Payout.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Reconciler{
		db:           p.DB,
		node:         p.Node,
		processor:    p.Processor,
		gateway:      p.Gateway,
		campaigns:    p.Campaigns,
		deliverables: p.Deliverables,
		accounts:     p.Accounts,
		ledger:       p.Ledger,
		payouts:      p.Payouts,
		scheduler:    p.Scheduler,
		notifier:     p.Notifier,
		maxRetries:   maxRetries,
		now:          time.Now,
		events:       repository.ProvideStore[ProcessorEvent](p.DB),
	}
}

// HandleEvent verifies and applies one processor webhook. The event row and
// every state change it causes commit together; a replayed event id is
// acknowledged without being applied again.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (*Ack, error) {
	ctx, span := tracer.Start(ctx, "webhook.Reconciler.HandleEvent")
	defer span.End()

	evt, err := r.processor.ParseWebhook(payload, signature)
	if err != nil {
		eventsTotal.WithLabelValues("unverified", "rejected").Inc()
		zap.L().Warn("rejected webhook", zap.String("provider", r.processor.Name()), zap.Error(err))
		return nil, errutil.Unauthorized("invalid webhook signature", err)
	}

	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.ProviderType),
		zap.String("object_id", evt.ObjectID),
	}
	kind := string(evt.Kind)
	ack := &Ack{Received: true, EventID: evt.ID}

	var effects []effect
	var outcome Outcome
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := r.claim(ctx, tx, evt, payload)
		if err != nil {
			return err
		}

		outcome, effects, err = r.dispatch(ctx, tx, evt)
		if err != nil {
			return err
		}

		processedAt := r.now()
		_, err = r.events.WithTrx(tx).UpdateWhere(ctx, &ProcessorEvent{ID: row.ID}, map[string]any{
			"outcome":       outcome,
			"process_error": "",
			"processed_at":  processedAt,
		})
		return err
	})
	if errors.Is(err, errDuplicateEvent) {
		eventsTotal.WithLabelValues(kind, "duplicate").Inc()
		zap.L().With(opts...).Info("duplicate webhook acknowledged")
		ack.Duplicate = true
		return ack, nil
	}
	if err != nil {
		eventsTotal.WithLabelValues(kind, "failed").Inc()
		zap.L().With(opts...).Error("failed to apply webhook", zap.Error(err))
		r.recordFailure(ctx, evt, payload, err)
		return nil, err
	}

	for _, fn := range effects {
		fn(ctx)
	}

	eventsTotal.WithLabelValues(kind, string(outcome)).Inc()
	zap.L().With(opts...).Info("webhook applied", zap.String("outcome", string(outcome)))
	ack.Outcome = outcome
	return ack, nil
}

// claim inserts the event row, or takes over a row left by a failed attempt.
func (r *Reconciler) claim(ctx context.Context, tx *gorm.DB, evt *processor.Event, payload []byte) (*ProcessorEvent, error) {
	repo := r.events.WithTrx(tx)

	existing, err := repo.FindOne(ctx, &ProcessorEvent{Provider: r.processor.Name(), EventID: evt.ID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ProcessedAt != nil {
			return nil, errDuplicateEvent
		}
		return existing, nil
	}

	row := &ProcessorEvent{
		ID:         r.node.Generate().String(),
		Provider:   r.processor.Name(),
		EventID:    evt.ID,
		Type:       evt.ProviderType,
		Kind:       string(evt.Kind),
		ObjectID:   evt.ObjectID,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: r.now(),
	}
	if err := repo.Create(ctx, row); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errDuplicateEvent
		}
		return nil, err
	}
	return row, nil
}

// recordFailure keeps the event visible after a rolled back attempt. The row
// stays unprocessed so the processor's redelivery applies it.
func (r *Reconciler) recordFailure(ctx context.Context, evt *processor.Event, payload []byte, cause error) {
	msg := truncate(cause.Error(), maxProcessErrorBytes)

	row := &ProcessorEvent{
		ID:           r.node.Generate().String(),
		Provider:     r.processor.Name(),
		EventID:      evt.ID,
		Type:         evt.ProviderType,
		Kind:         string(evt.Kind),
		ObjectID:     evt.ObjectID,
		Payload:      datatypes.JSON(payload),
		Outcome:      OutcomeFailed,
		ProcessError: msg,
		ReceivedAt:   r.now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"outcome", "process_error"}),
	}).Create(row).Error
	if err != nil {
		zap.L().Error("failed to record webhook failure", zap.String("event_id", evt.ID), zap.Error(err))
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (r *Reconciler) dispatch(ctx context.Context, tx *gorm.DB, evt *processor.Event) (Outcome, []effect, error) {
	switch evt.Kind {
	case processor.EventPaymentSucceeded:
		return r.paymentSucceeded(ctx, tx, evt)
	case processor.EventPaymentFailed:
		return r.paymentFailed(ctx, tx, evt)
	case processor.EventTransferPaid:
		return r.transferPaid(ctx, tx, evt)
	case processor.EventTransferFailed:
		return r.transferFailed(ctx, tx, evt)
	case processor.EventAccountUpdated:
		return r.accountUpdated(ctx, tx, evt)
	case processor.EventTransferCreated:
		// The payout already moved the deliverable to processing.
		return OutcomeProcessed, nil, nil
	default:
		return OutcomeIgnored, nil, nil
	}
}

func (r *Reconciler) notify(n notification.Notification) effect {
	return func(ctx context.Context) { r.notifier.Notify(ctx, n) }
}

// paymentCampaign resolves the campaign of a payment intent, preferring the
// durable record over event metadata.
func (r *Reconciler) paymentCampaign(ctx context.Context, tx *gorm.DB, evt *processor.Event) (*payment.PaymentRecord, *campaign.Campaign, error) {
	rec, err := r.gateway.FindByIntent(ctx, tx, evt.ObjectID)
	if err != nil {
		return nil, nil, err
	}

	campaignID := evt.Metadata[processor.MetaCampaignID]
	if rec != nil {
		campaignID = rec.CampaignID
	}
	if campaignID == "" {
		return rec, nil, nil
	}

	c, err := r.campaigns.Get(ctx, tx, campaignID)
	if err != nil {
		if errutil.Is(err, errutil.StatusNotFound) {
			return rec, nil, nil
		}
		return nil, nil, err
	}
	return rec, c, nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, tx *gorm.DB, evt *processor.Event) (Outcome, []effect, error) {
	rec, c, err := r.paymentCampaign(ctx, tx, evt)
	if err != nil {
		return "", nil, err
	}
	if c == nil {
		zap.L().Warn("payment succeeded for unknown campaign", zap.String("intent_id", evt.ObjectID))
		return OutcomeIgnored, nil, nil
	}

	if _, err := r.gateway.MarkSucceeded(ctx, tx, evt.ObjectID); err != nil {
		return "", nil, err
	}
	paid, err := r.campaigns.MarkPaid(ctx, tx, c.ID)
	if err != nil {
		return "", nil, err
	}

	amount, currency := evt.Amount, c.Currency
	if rec != nil {
		amount, currency = rec.Amount, rec.Currency
	}
	if _, err := r.ledger.Append(ctx, tx, ledger.EntryParams{
		Type:       ledger.TypePayment,
		Status:     ledger.StatusCompleted,
		Reference:  evt.ObjectID,
		CampaignID: c.ID,
		UserID:     c.OwnerID,
		Amount:     amount,
		Currency:   currency,
	}); err != nil {
		return "", nil, err
	}

	if !paid {
		return OutcomeProcessed, nil, nil
	}
	return OutcomeProcessed, []effect{r.notify(notification.Notification{
		UserID:     c.OwnerID,
		Kind:       notification.KindPaymentSucceeded,
		Message:    "Your campaign payment was confirmed",
		Data:       map[string]any{"amount": amount, "currency": currency},
		EntityType: "campaign",
		EntityID:   c.ID,
	})}, nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, tx *gorm.DB, evt *processor.Event) (Outcome, []effect, error) {
	_, c, err := r.paymentCampaign(ctx, tx, evt)
	if err != nil {
		return "", nil, err
	}
	if c == nil {
		return OutcomeIgnored, nil, nil
	}

	if _, err := r.gateway.MarkFailed(ctx, tx, evt.ObjectID, evt.FailureCode, evt.FailureMessage); err != nil {
		return "", nil, err
	}
	failed, err := r.campaigns.MarkPaymentFailed(ctx, tx, c.ID)
	if err != nil {
		return "", nil, err
	}
	if !failed {
		return OutcomeProcessed, nil, nil
	}
	return OutcomeProcessed, []effect{r.notify(notification.Notification{
		UserID:     c.OwnerID,
		Kind:       notification.KindPaymentFailed,
		Message:    "Your campaign payment failed, please try again",
		Data:       map[string]any{"failure_code": evt.FailureCode},
		EntityType: "campaign",
		EntityID:   c.ID,
	})}, nil
}

// transferDeliverable resolves the deliverable a transfer pays, falling back
// to the ledger when metadata is missing.
func (r *Reconciler) transferDeliverable(ctx context.Context, tx *gorm.DB, evt *processor.Event) (string, error) {
	if id := evt.Metadata[processor.MetaDeliverableID]; id != "" {
		return id, nil
	}
	entry, err := r.ledger.FindByReference(ctx, tx, evt.ObjectID)
	if err != nil || entry == nil {
		return "", err
	}
	return entry.DeliverableID, nil
}

func (r *Reconciler) transferPaid(ctx context.Context, tx *gorm.DB, evt *processor.Event) (Outcome, []effect, error) {
	id, err := r.transferDeliverable(ctx, tx, evt)
	if err != nil {
		return "", nil, err
	}
	if id == "" {
		return OutcomeIgnored, nil, nil
	}

	paid, err := r.deliverables.MarkPaid(ctx, tx, id)
	if err != nil {
		return "", nil, err
	}
	if _, err := r.ledger.SetStatus(ctx, tx, evt.ObjectID, ledger.StatusCompleted); err != nil {
		return "", nil, err
	}
	if !paid {
		return OutcomeProcessed, nil, nil
	}

	d, err := r.deliverables.Get(ctx, tx, id)
	if err != nil {
		return "", nil, err
	}
	return OutcomeProcessed, []effect{r.notify(notification.Notification{
		UserID:     d.CreatorID,
		Kind:       notification.KindPayoutCompleted,
		Message:    "Your payout has been sent",
		Data:       map[string]any{"amount": d.PaymentAmount, "currency": d.Currency},
		EntityType: "deliverable",
		EntityID:   d.ID,
	})}, nil
}

func (r *Reconciler) transferFailed(ctx context.Context, tx *gorm.DB, evt *processor.Event) (Outcome, []effect, error) {
	id, err := r.transferDeliverable(ctx, tx, evt)
	if err != nil {
		return "", nil, err
	}
	if id == "" {
		return OutcomeIgnored, nil, nil
	}

	res, err := r.deliverables.RecordTransferFailure(ctx, tx, id, evt.ObjectID, r.maxRetries)
	if err != nil {
		return "", nil, err
	}
	if _, err := r.ledger.SetStatus(ctx, tx, evt.ObjectID, ledger.StatusFailed); err != nil {
		return "", nil, err
	}
	if !res.Counted {
		return OutcomeIgnored, nil, nil
	}

	d := res.Deliverable
	if res.Terminal {
		return OutcomeProcessed, []effect{r.notify(notification.Notification{
			UserID:     d.CreatorID,
			Kind:       notification.KindPayoutFailed,
			Message:    "Your payout failed, our team has been notified",
			Data:       map[string]any{"retries": d.RetryCount, "failure_code": evt.FailureCode},
			EntityType: "deliverable",
			EntityID:   d.ID,
		})}, nil
	}

	retry := d.RetryCount
	return OutcomeProcessed, []effect{func(ctx context.Context) {
		if err := r.scheduler.ScheduleRetry(ctx, d.ID, retry); err != nil {
			zap.L().Error("failed to schedule payout retry", zap.String("deliverable_id", d.ID), zap.Int("retry", retry), zap.Error(err))
		}
	}}, nil
}

func (r *Reconciler) accountUpdated(ctx context.Context, tx *gorm.DB, evt *processor.Event) (Outcome, []effect, error) {
	acct, completedNow, err := r.accounts.MarkFromProcessor(ctx, tx, evt.ObjectID, evt.DetailsSubmitted)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		zap.L().Warn("account update for unknown account", zap.String("account_id", evt.ObjectID))
		return OutcomeIgnored, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if !completedNow || acct.Role != onboarding.RoleCreator {
		return OutcomeProcessed, nil, nil
	}

	userID := acct.UserID
	return OutcomeProcessed, []effect{func(ctx context.Context) {
		if _, err := r.payouts.ResumeForUser(ctx, userID); err != nil {
			zap.L().Error("failed to resume payouts", zap.String("user_id", userID), zap.Error(err))
		}
	}}, nil
}

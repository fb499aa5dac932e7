package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/middleware"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/mock"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"
	"github.com/TroodieTeam/troodie-sub002/services/access"
	"github.com/TroodieTeam/troodie-sub002/services/application"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/deliverable"
	"github.com/TroodieTeam/troodie-sub002/services/ledger"
	"github.com/TroodieTeam/troodie-sub002/services/notification"
	"github.com/TroodieTeam/troodie-sub002/services/onboarding"
	"github.com/TroodieTeam/troodie-sub002/services/payment"
	"github.com/TroodieTeam/troodie-sub002/services/payout"
	"github.com/TroodieTeam/troodie-sub002/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{ID: "1", Type: t.Type()}, nil
}

func (f *fakeEnqueuer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.Type() == name {
			n++
		}
	}
	return n
}

type fixture struct {
	db           *gorm.DB
	client       *mock.Client
	enqueuer     *fakeEnqueuer
	notes        *notification.Recorder
	campaigns    *campaign.Service
	apps         *application.Service
	gateway      *payment.Gateway
	accounts     *onboarding.Service
	deliverables *deliverable.Service
	ledger       *ledger.Service
	payouts      *payout.Processor
	reconciler   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{}, &application.Application{}, &deliverable.Deliverable{},
		&access.RoleGrant{}, &onboarding.ConnectedAccount{}, &ledger.PayoutTransaction{},
		&payment.PaymentRecord{}, &ProcessorEvent{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := &config.Config{}
	cfg.Payout.MaxRetries = 3

	f := &fixture{
		db:       db,
		client:   mock.New("whsec_test", 5*time.Minute),
		enqueuer: &fakeEnqueuer{},
		notes:    &notification.Recorder{},
	}

	acl, err := access.NewService(access.Params{DB: db, Node: node, Config: cfg})
	require.NoError(t, err)

	scheduler := payout.NewScheduler(f.enqueuer, cfg)
	f.campaigns = campaign.NewService(campaign.ServiceParams{DB: db, Node: node})
	f.apps = application.NewService(application.Params{DB: db, Node: node, Campaigns: f.campaigns})
	f.gateway = payment.NewGateway(payment.Params{DB: db, Node: node, Processor: f.client})
	f.accounts = onboarding.NewService(onboarding.Params{DB: db, Node: node, Processor: f.client})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f.deliverables = deliverable.NewService(deliverable.Params{
		DB:           db,
		Node:         node,
		Config:       cfg,
		Applications: f.apps,
		Campaigns:    f.campaigns,
		Checker:      acl,
		Notifier:     f.notes,
		Enqueuer:     f.enqueuer,
		Payouts:      scheduler,
	})
	f.payouts = payout.NewProcessor(payout.Params{
		DB:           db,
		Deliverables: f.deliverables,
		Accounts:     f.accounts,
		Gateway:      f.gateway,
		Ledger:       f.ledger,
		Notifier:     f.notes,
		Scheduler:    scheduler,
	})
	f.reconciler = NewReconciler(Params{
		DB:           db,
		Node:         node,
		Config:       cfg,
		Processor:    f.client,
		Gateway:      f.gateway,
		Campaigns:    f.campaigns,
		Deliverables: f.deliverables,
		Accounts:     f.accounts,
		Ledger:       f.ledger,
		Payouts:      f.payouts,
		Scheduler:    scheduler,
		Notifier:     f.notes,
	})
	return f
}

func (f *fixture) newCampaign(t *testing.T) *campaign.Campaign {
	t.Helper()
	deadline := time.Now().Add(30 * 24 * time.Hour)
	c, err := f.campaigns.Create(context.Background(),
		campaign.Draft{OwnerID: "owner", RestaurantID: "r1", Budget: 10000, Deadline: &deadline}, "usd")
	require.NoError(t, err)
	return c
}

func (f *fixture) send(t *testing.T, evt processor.Event) (*Ack, error) {
	t.Helper()
	payload, sig, err := f.client.SignedEvent(evt)
	require.NoError(t, err)
	return f.reconciler.HandleEvent(context.Background(), payload, sig)
}

// approvedDeliverable walks a funded campaign through application, submission
// and approval. The creator has a connected account that is not onboarded.
func (f *fixture) approvedDeliverable(t *testing.T) (*deliverable.Deliverable, string) {
	t.Helper()
	ctx := context.Background()

	c := f.newCampaign(t)
	_, err := f.campaigns.MarkPaid(ctx, nil, c.ID)
	require.NoError(t, err)

	app, err := f.apps.Apply(ctx, "creator", application.ApplyRequest{CampaignID: c.ID, ProposedRate: 5000})
	require.NoError(t, err)
	_, err = f.apps.Accept(ctx, app.ID, "owner", 0)
	require.NoError(t, err)

	d, err := f.deliverables.Submit(ctx, "creator", deliverable.SubmitRequest{
		ApplicationID: app.ID,
		Platform:      deliverable.PlatformYouTube,
		PostURL:       "https://youtu.be/dQw4w9WgXcQ",
	})
	require.NoError(t, err)
	d, err = f.deliverables.Approve(ctx, d.ID, "owner", "")
	require.NoError(t, err)

	acct, err := f.accounts.EnsureAccount(ctx, "creator", onboarding.RoleCreator, "creator@example.com")
	require.NoError(t, err)
	return d, acct.ProcessorAccountID
}

func (f *fixture) paidOut(t *testing.T) (*deliverable.Deliverable, string) {
	t.Helper()
	d, acctID := f.approvedDeliverable(t)
	_, _, err := f.accounts.MarkFromProcessor(context.Background(), nil, acctID, true)
	require.NoError(t, err)

	res, err := f.payouts.Payout(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.TransferID)
	return d, res.TransferID
}

func TestPaymentSucceededActivatesCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t)

	intent, err := f.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{CampaignID: c.ID, OwnerID: "owner", Amount: 10000, Currency: "usd"})
	require.NoError(t, err)

	evt := processor.Event{
		ID:       "evt_pay_1",
		Kind:     processor.EventPaymentSucceeded,
		ObjectID: intent.Record.IntentID,
		Amount:   10000,
		Metadata: map[string]string{processor.MetaCampaignID: c.ID},
	}
	ack, err := f.send(t, evt)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, ack.Outcome)

	got, err := f.campaigns.Get(ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusActive, got.Status)
	require.Equal(t, campaign.PaymentPaid, got.PaymentStatus)

	rec, err := f.gateway.Latest(ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, payment.RecordSucceeded, rec.Status)
	require.NotNil(t, rec.PaidAt)

	// Same event redelivered, then a second event for the same intent.
	ack, err = f.send(t, evt)
	require.NoError(t, err)
	require.True(t, ack.Duplicate)
	evt.ID = "evt_pay_2"
	_, err = f.send(t, evt)
	require.NoError(t, err)

	rows, err := f.ledger.List(ctx, nil, &ledger.PayoutTransaction{CampaignID: c.ID, Type: ledger.TypePayment})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(10000), rows[0].Amount)
	require.Equal(t, ledger.StatusCompleted, rows[0].Status)
	require.Equal(t, 1, f.notes.Count(notification.KindPaymentSucceeded))
}

func TestPaymentFailedKeepsCampaignPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t)

	intent, err := f.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{CampaignID: c.ID, OwnerID: "owner", Amount: 10000, Currency: "usd"})
	require.NoError(t, err)

	_, err = f.send(t, processor.Event{
		ID:             "evt_fail_1",
		Kind:           processor.EventPaymentFailed,
		ObjectID:       intent.Record.IntentID,
		FailureCode:    "card_declined",
		FailureMessage: "Your card was declined.",
	})
	require.NoError(t, err)

	got, err := f.campaigns.Get(ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusPending, got.Status)
	require.Equal(t, campaign.PaymentFailed, got.PaymentStatus)

	rec, err := f.gateway.Latest(ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, payment.RecordFailed, rec.Status)
	require.Equal(t, "card_declined", rec.FailureCode)
	require.Equal(t, 1, f.notes.Count(notification.KindPaymentFailed))
}

func TestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	payload, _, err := f.client.SignedEvent(processor.Event{ID: "evt_x", Kind: processor.EventPaymentSucceeded, ObjectID: "pi_1"})
	require.NoError(t, err)

	_, err = f.reconciler.HandleEvent(context.Background(), payload, "t=1,v1=deadbeef")
	require.True(t, errutil.Is(err, errutil.StatusUnauthorized))

	var n int64
	require.NoError(t, f.db.Model(&ProcessorEvent{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestTransferFailuresCapAtThree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, transferID := f.paidOut(t)

	events := []string{"evt_tf_1", "evt_tf_2", "evt_tf_3"}
	for i, id := range events {
		_, err := f.send(t, processor.Event{
			ID:          id,
			Kind:        processor.EventTransferFailed,
			ObjectID:    transferID,
			FailureCode: "account_closed",
			Metadata:    map[string]string{processor.MetaDeliverableID: d.ID},
		})
		require.NoError(t, err)

		got, err := f.deliverables.Get(ctx, nil, d.ID)
		require.NoError(t, err)
		require.Equal(t, i+1, got.RetryCount)

		if i < len(events)-1 {
			require.Equal(t, deliverable.PaymentProcessing, got.PaymentStatus)
			// The scheduled retry runs and creates the next transfer.
			res, err := f.payouts.Payout(ctx, d.ID)
			require.NoError(t, err)
			require.NotEqual(t, transferID, res.TransferID)
			transferID = res.TransferID
		}
	}

	got, err := f.deliverables.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, deliverable.PaymentFailed, got.PaymentStatus)
	require.Equal(t, 1, f.notes.Count(notification.KindPayoutFailed))

	_, err = f.send(t, processor.Event{
		ID:       "evt_tf_4",
		Kind:     processor.EventTransferFailed,
		ObjectID: transferID,
		Metadata: map[string]string{processor.MetaDeliverableID: d.ID},
	})
	require.NoError(t, err)

	got, err = f.deliverables.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.RetryCount)
	require.Equal(t, deliverable.PaymentFailed, got.PaymentStatus)
	require.Equal(t, 1, f.notes.Count(notification.KindPayoutFailed))

	rows, err := f.ledger.List(ctx, nil, &ledger.PayoutTransaction{DeliverableID: d.ID})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		require.Equal(t, ledger.StatusFailed, row.Status)
	}
	require.NoError(t, f.ledger.VerifyChain(ctx, ledger.DeliverableChain(d.ID)))
}

func TestDuplicateTransferFailureCountsOnce(t *testing.T) {
	f := newFixture(t)
	d, transferID := f.paidOut(t)

	evt := processor.Event{
		ID:       "evt_tf_dup",
		Kind:     processor.EventTransferFailed,
		ObjectID: transferID,
		Metadata: map[string]string{processor.MetaDeliverableID: d.ID},
	}
	_, err := f.send(t, evt)
	require.NoError(t, err)
	ack, err := f.send(t, evt)
	require.NoError(t, err)
	require.True(t, ack.Duplicate)

	got, err := f.deliverables.Get(context.Background(), nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	// The approval trigger plus one scheduled retry.
	require.Equal(t, 2, f.enqueuer.count(taskname.PayoutProcess))
}

func TestTransferPaidCompletesPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, transferID := f.paidOut(t)

	// No metadata: the deliverable is found through the ledger.
	_, err := f.send(t, processor.Event{ID: "evt_tp_1", Kind: processor.EventTransferPaid, ObjectID: transferID})
	require.NoError(t, err)
	_, err = f.send(t, processor.Event{ID: "evt_tp_2", Kind: processor.EventTransferPaid, ObjectID: transferID})
	require.NoError(t, err)

	got, err := f.deliverables.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, deliverable.PaymentCompleted, got.PaymentStatus)
	require.NotNil(t, got.PaidAt)

	entry, err := f.ledger.FindByReference(ctx, nil, transferID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, entry.Status)
	require.NotNil(t, entry.CompletedAt)
	require.Equal(t, 1, f.notes.Count(notification.KindPayoutCompleted))
}

func TestAccountUpdatedResumesParkedPayouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, acctID := f.approvedDeliverable(t)

	res, err := f.payouts.Payout(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, res.PendingOnboarding)
	before := f.enqueuer.count(taskname.PayoutProcess)

	f.client.SetDetailsSubmitted(acctID, true)
	_, err = f.send(t, processor.Event{ID: "evt_acct_1", Kind: processor.EventAccountUpdated, ObjectID: acctID, DetailsSubmitted: true})
	require.NoError(t, err)

	st, err := f.accounts.GetStatus(ctx, "creator", onboarding.RoleCreator)
	require.NoError(t, err)
	require.True(t, st.OnboardingCompleted)

	got, err := f.deliverables.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, deliverable.PaymentProcessing, got.PaymentStatus)
	require.Equal(t, before+1, f.enqueuer.count(taskname.PayoutProcess))
}

func TestUnknownEventsAreRecorded(t *testing.T) {
	f := newFixture(t)

	ack, err := f.send(t, processor.Event{ID: "evt_other", Kind: "charge.refund.updated", ObjectID: "re_1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, ack.Outcome)

	var row ProcessorEvent
	require.NoError(t, f.db.Where("event_id = ?", "evt_other").First(&row).Error)
	require.Equal(t, string(processor.EventUnknown), row.Kind)
	require.NotNil(t, row.ProcessedAt)
}

func TestFailedEventIsReappliedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCampaign(t)

	intent, err := f.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{CampaignID: c.ID, OwnerID: "owner", Amount: 10000, Currency: "usd"})
	require.NoError(t, err)

	failing := true
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_campaign", func(tx *gorm.DB) {
		if failing && tx.Statement.Schema != nil && tx.Statement.Schema.Table == "campaigns" {
			_ = tx.AddError(errors.New("connection reset"))
		}
	}))

	evt := processor.Event{ID: "evt_retry", Kind: processor.EventPaymentSucceeded, ObjectID: intent.Record.IntentID}
	_, err = f.send(t, evt)
	require.Error(t, err)

	var row ProcessorEvent
	require.NoError(t, f.db.Where("event_id = ?", "evt_retry").First(&row).Error)
	require.Equal(t, OutcomeFailed, row.Outcome)
	require.Contains(t, row.ProcessError, "connection reset")
	require.Nil(t, row.ProcessedAt)

	rec, err := f.gateway.Latest(ctx, nil, c.ID)
	require.NoError(t, err)
	require.Equal(t, payment.RecordPending, rec.Status)

	failing = false
	ack, err := f.send(t, evt)
	require.NoError(t, err)
	require.False(t, ack.Duplicate)

	got, err := f.campaigns.Get(ctx, nil, c.ID)
	require.NoError(t, err)
	require.True(t, got.IsFunded())
}

func TestHandlerAcksSignedEvent(t *testing.T) {
	f := newFixture(t)

	r := gin.New()
	r.Use(middleware.Actor(), middleware.Error())
	NewHandler(f.reconciler).Register(r)

	payload, sig, err := f.client.SignedEvent(processor.Event{ID: "evt_h", Kind: processor.EventTransferCreated, ObjectID: "tr_1"})
	require.NoError(t, err)

	post := func(sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(payload))
		req.Header.Set(HeaderSignature, sig)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusUnauthorized, post("t=1,v1=00"))
	require.Equal(t, http.StatusOK, post(sig))
	require.Equal(t, http.StatusOK, post(sig))
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)

	r := gin.New()
	r.Use(middleware.Actor(), middleware.Error())
	NewHandler(f.reconciler).Register(r)

	post := func(size int) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(bytes.Repeat([]byte("a"), size)))
		req.Header.Set(HeaderSignature, "t=1,v1=00")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusRequestEntityTooLarge, post(maxPayloadBytes+1))
	require.Equal(t, http.StatusUnauthorized, post(maxPayloadBytes))

	var n int64
	require.NoError(t, f.db.Model(&ProcessorEvent{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "ab", truncate("ab€", 3))
	require.Equal(t, "ab€", truncate("ab€d", 5))

	msg := truncate(strings.Repeat("é", 300), maxProcessErrorBytes)
	require.True(t, utf8.ValidString(msg))
	require.Len(t, msg, maxProcessErrorBytes)
}

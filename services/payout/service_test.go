package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/middleware"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/mock"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/processormock"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"
	"github.com/TroodieTeam/troodie-sub002/services/access"
	"github.com/TroodieTeam/troodie-sub002/services/application"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/deliverable"
	"github.com/TroodieTeam/troodie-sub002/services/ledger"
	"github.com/TroodieTeam/troodie-sub002/services/notification"
	"github.com/TroodieTeam/troodie-sub002/services/onboarding"
	"github.com/TroodieTeam/troodie-sub002/services/payment"
	"github.com/TroodieTeam/troodie-sub002/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type queued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	live  map[string]bool
	tasks []queued
}

// Enqueue mimics asynq's TaskID uniqueness: an id conflicts while its task
// is queued, or after completion when it was enqueued with Retention.
func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		f.live = map[string]bool{}
	}
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if f.live[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.live[id] = true
		}
	}
	f.tasks = append(f.tasks, queued{task: t, opts: opts})
	return &asynq.TaskInfo{ID: "1", Type: t.Type()}, nil
}

// completeAll marks every queued task as processed.
func (f *fakeEnqueuer) completeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.tasks {
		var id string
		retained := false
		for _, o := range q.opts {
			switch o.Type() {
			case asynq.TaskIDOpt:
				id = o.Value().(string)
			case asynq.RetentionOpt:
				retained = true
			}
		}
		if id != "" && !retained {
			delete(f.live, id)
		}
	}
}

func (f *fakeEnqueuer) ofType(name string) []queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []queued
	for _, q := range f.tasks {
		if q.task.Type() == name {
			out = append(out, q)
		}
	}
	return out
}

type fixture struct {
	db           *gorm.DB
	client       *mock.Client
	enqueuer     *fakeEnqueuer
	notes        *notification.Recorder
	access       *access.Service
	accounts     *onboarding.Service
	deliverables *deliverable.Service
	ledger       *ledger.Service
	scheduler    *Scheduler
	processor    *Processor
	campaignID   string
	creatorAcct  string
}

func newFixture(t *testing.T, client processor.Client) *fixture {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{}, &application.Application{}, &deliverable.Deliverable{},
		&access.RoleGrant{}, &onboarding.ConnectedAccount{}, &ledger.PayoutTransaction{},
		&payment.PaymentRecord{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := &config.Config{}
	cfg.Payout.MaxRetries = 3

	mc, _ := client.(*mock.Client)
	if client == nil {
		mc = mock.New("whsec_test", 0)
		client = mc
	}

	f := &fixture{
		db:       db,
		client:   mc,
		enqueuer: &fakeEnqueuer{},
		notes:    &notification.Recorder{},
	}

	camps := campaign.NewService(campaign.ServiceParams{DB: db, Node: node})
	deadline := time.Now().Add(14 * 24 * time.Hour)
	c, err := camps.Create(ctx, campaign.Draft{OwnerID: "owner", RestaurantID: "r1", Budget: 20000, Deadline: &deadline}, "usd")
	require.NoError(t, err)
	_, err = camps.MarkPaid(ctx, nil, c.ID)
	require.NoError(t, err)
	f.campaignID = c.ID

	apps := application.NewService(application.Params{DB: db, Node: node, Campaigns: camps})
	f.access, err = access.NewService(access.Params{DB: db, Node: node, Config: cfg})
	require.NoError(t, err)

	f.scheduler = NewScheduler(f.enqueuer, cfg)
	f.deliverables = deliverable.NewService(deliverable.Params{
		DB:           db,
		Node:         node,
		Config:       cfg,
		Applications: apps,
		Campaigns:    camps,
		Checker:      f.access,
		Notifier:     f.notes,
		Enqueuer:     f.enqueuer,
		Payouts:      f.scheduler,
	})
	f.accounts = onboarding.NewService(onboarding.Params{DB: db, Node: node, Processor: client})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f.processor = NewProcessor(Params{
		DB:           db,
		Deliverables: f.deliverables,
		Accounts:     f.accounts,
		Gateway:      payment.NewGateway(payment.Params{DB: db, Node: node, Processor: client}),
		Ledger:       f.ledger,
		Notifier:     f.notes,
		Scheduler:    f.scheduler,
	})

	app, err := apps.Apply(ctx, "creator", application.ApplyRequest{CampaignID: c.ID, ProposedRate: 5000})
	require.NoError(t, err)
	_, err = apps.Accept(ctx, app.ID, "owner", 0)
	require.NoError(t, err)
	_, err = f.deliverables.Submit(ctx, "creator", deliverable.SubmitRequest{
		ApplicationID: app.ID,
		Platform:      deliverable.PlatformTikTok,
		PostURL:       "https://www.tiktok.com/@creator/video/7212345678901234567",
	})
	require.NoError(t, err)

	acct, err := f.accounts.EnsureAccount(ctx, "creator", onboarding.RoleCreator, "creator@example.com")
	require.NoError(t, err)
	f.creatorAcct = acct.ProcessorAccountID
	return f
}

func (f *fixture) onboard(t *testing.T) {
	t.Helper()
	f.client.SetDetailsSubmitted(f.creatorAcct, true)
	_, completed, err := f.accounts.MarkFromProcessor(context.Background(), nil, f.creatorAcct, true)
	require.NoError(t, err)
	require.True(t, completed)
}

func (f *fixture) approve(t *testing.T) *deliverable.Deliverable {
	t.Helper()
	var d deliverable.Deliverable
	require.NoError(t, f.db.First(&d).Error)
	approved, err := f.deliverables.Approve(context.Background(), d.ID, "owner", "great post")
	require.NoError(t, err)
	require.Equal(t, deliverable.PaymentProcessing, approved.PaymentStatus)
	return approved
}

func TestApprovalEnqueuesPayoutOnce(t *testing.T) {
	f := newFixture(t, nil)
	d := f.approve(t)

	tasks := f.enqueuer.ofType(taskname.PayoutProcess)
	require.Len(t, tasks, 1)

	var payload taskPayload
	require.NoError(t, json.Unmarshal(tasks[0].task.Payload(), &payload))
	require.Equal(t, d.ID, payload.DeliverableID)
	require.Equal(t, 0, payload.Retry)

	// A repeated trigger of the same attempt is a no-op.
	require.NoError(t, f.scheduler.Trigger(context.Background(), d.ID, 0))
	require.Len(t, f.enqueuer.ofType(taskname.PayoutProcess), 1)
}

func TestPayoutTransfersAndRecordsLedger(t *testing.T) {
	f := newFixture(t, nil)
	f.onboard(t)
	d := f.approve(t)

	res, err := f.processor.Payout(context.Background(), d.ID)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotEmpty(t, res.TransferID)
	require.NotEmpty(t, res.TransactionID)
	require.Equal(t, 1, f.client.Calls(mock.OpCreateTransfer))

	got, err := f.deliverables.Get(context.Background(), nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, res.TransferID, got.TransferID)
	require.Equal(t, deliverable.PaymentProcessing, got.PaymentStatus)

	entry, err := f.ledger.FindByReference(context.Background(), nil, res.TransferID)
	require.NoError(t, err)
	require.Equal(t, ledger.TypePayout, entry.Type)
	require.Equal(t, ledger.StatusProcessing, entry.Status)
	require.Equal(t, int64(5000), entry.Amount)
	require.Equal(t, d.CreatorID, entry.UserID)
}

func TestPayoutSkipsWhileInFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.onboard(t)
	d := f.approve(t)

	_, err := f.processor.Payout(context.Background(), d.ID)
	require.NoError(t, err)

	res, err := f.processor.Payout(context.Background(), d.ID)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 1, f.client.Calls(mock.OpCreateTransfer))
}

func TestPayoutWaitsForOnboarding(t *testing.T) {
	f := newFixture(t, nil)
	d := f.approve(t)
	require.Len(t, f.enqueuer.ofType(taskname.PayoutProcess), 1)

	res, err := f.processor.Payout(context.Background(), d.ID)
	require.NoError(t, err)
	require.True(t, res.PendingOnboarding)
	require.Zero(t, f.client.Calls(mock.OpCreateTransfer))
	require.Equal(t, 1, f.notes.Count(notification.KindOnboardingRequired))
	f.enqueuer.completeAll()

	got, err := f.deliverables.Get(context.Background(), nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, deliverable.PaymentPendingOnboarding, got.PaymentStatus)

	f.onboard(t)
	n, err := f.processor.ResumeForUser(context.Background(), "creator")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = f.deliverables.Get(context.Background(), nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, deliverable.PaymentProcessing, got.PaymentStatus)

	// The parked attempt finished, so its task id is free and the resume
	// enqueues attempt 0 again.
	tasks := f.enqueuer.ofType(taskname.PayoutProcess)
	require.Len(t, tasks, 2)
	var payload taskPayload
	require.NoError(t, json.Unmarshal(tasks[1].task.Payload(), &payload))
	require.Equal(t, d.ID, payload.DeliverableID)
	require.Equal(t, 0, payload.Retry)

	res, err = f.processor.Payout(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.TransferID)
}

func TestPayoutReversesWhenLedgerWriteFails(t *testing.T) {
	f := newFixture(t, nil)
	f.onboard(t)
	d := f.approve(t)
	ctx := context.Background()

	var failLedger atomic.Bool
	failLedger.Store(true)
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_ledger", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "payout_transactions" && failLedger.Load() {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := f.processor.Payout(ctx, d.ID)
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusInternal))
	require.True(t, errutil.Retryable(err))
	require.Len(t, f.client.Reversed(), 1)
	reversed := f.client.Reversed()[0]

	got, err := f.deliverables.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Empty(t, got.TransferID)
	require.Equal(t, deliverable.PaymentProcessing, got.PaymentStatus)
	require.Equal(t, 1, got.Reversals)
	require.Equal(t, reversed, got.ReversedTransferID)

	// The processor reports the reversal as a failed transfer; it is not
	// one of the creator's retries.
	failure, err := f.deliverables.RecordTransferFailure(ctx, nil, d.ID, reversed, 3)
	require.NoError(t, err)
	require.False(t, failure.Counted)

	failLedger.Store(false)
	res, err := f.processor.Payout(ctx, d.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.TransferID)
	require.NotEqual(t, reversed, res.TransferID)
	require.Equal(t, 2, f.client.Calls(mock.OpCreateTransfer))

	got, err = f.deliverables.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, res.TransferID, got.TransferID)
	require.Zero(t, got.RetryCount)

	entry, err := f.ledger.FindByReference(ctx, nil, res.TransferID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusProcessing, entry.Status)

	stale, err := f.ledger.FindByReference(ctx, nil, reversed)
	require.NoError(t, err)
	require.Nil(t, stale)
}

func TestPayoutProcessorErrorLeavesNoLedgerRow(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := processormock.NewMockClient(ctrl)
	client.EXPECT().CreateAccount(gomock.Any(), gomock.Any()).
		Return(&processor.Account{ID: "acct_1"}, nil)
	client.EXPECT().CreateTransfer(gomock.Any(), gomock.Any()).
		Return(nil, &processor.Error{Code: "insufficient_funds", Message: "platform balance too low", HTTPStatus: 400})

	f := newFixture(t, client)
	_, _, err := f.accounts.MarkFromProcessor(context.Background(), nil, "acct_1", true)
	require.NoError(t, err)
	d := f.approve(t)

	_, err = f.processor.Payout(context.Background(), d.ID)
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusBadGateway))

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	code, ok := be.Detail("processor_code")
	require.True(t, ok)
	require.Equal(t, "insufficient_funds", code)

	rows, err := f.ledger.List(context.Background(), nil, &ledger.PayoutTransaction{DeliverableID: d.ID})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRequestRejectsMismatchedContract(t *testing.T) {
	f := newFixture(t, nil)
	f.onboard(t)
	d := f.approve(t)

	_, err := f.processor.Request(context.Background(), Request{
		DeliverableID:      d.ID,
		CreatorID:          "someone-else",
		CampaignID:         f.campaignID,
		AmountMinorUnits:   9999,
		ConnectedAccountID: f.creatorAcct,
	})
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	_, ok := be.Detail("creator_id")
	require.True(t, ok)
	_, ok = be.Detail("amount_minor_units")
	require.True(t, ok)
	require.Zero(t, f.client.Calls(mock.OpCreateTransfer))
}

func TestRequestPaysOnceThenConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.onboard(t)
	d := f.approve(t)

	req := Request{
		DeliverableID:      d.ID,
		CreatorID:          d.CreatorID,
		CampaignID:         d.CampaignID,
		AmountMinorUnits:   d.PaymentAmount,
		ConnectedAccountID: f.creatorAcct,
	}
	res, err := f.processor.Request(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.TransferID)

	_, err = f.processor.Request(context.Background(), req)
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestHandleTaskSkipsRetryOnMissingDeliverable(t *testing.T) {
	f := newFixture(t, nil)

	task, err := NewTask("does-not-exist", 0)
	require.NoError(t, err)
	err = f.processor.HandleTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = f.processor.HandleTask(context.Background(), asynq.NewTask(taskname.PayoutProcess, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestScheduleRetryUsesDistinctAttempt(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.scheduler.Trigger(context.Background(), "d1", 0))
	require.NoError(t, f.scheduler.ScheduleRetry(context.Background(), "d1", 1))
	require.NoError(t, f.scheduler.ScheduleRetry(context.Background(), "d1", 1))

	require.Len(t, f.enqueuer.ofType(taskname.PayoutProcess), 2)
	require.Equal(t, "payout:d1:1", TaskID("d1", 1))
	require.Equal(t, "d1-transfer-1", TransferIdempotencyKey("d1", 1, 0))
	require.Equal(t, "d1-transfer-1-r2", TransferIdempotencyKey("d1", 1, 2))
}

func TestHandlerRequiresFinanceRole(t *testing.T) {
	f := newFixture(t, nil)
	f.onboard(t)
	d := f.approve(t)

	r := gin.New()
	r.Use(middleware.Actor(), middleware.Error())
	NewHandler(f.processor, f.access).Register(r)

	body, err := json.Marshal(Request{
		DeliverableID:      d.ID,
		CreatorID:          d.CreatorID,
		CampaignID:         d.CampaignID,
		AmountMinorUnits:   d.PaymentAmount,
		ConnectedAccountID: f.creatorAcct,
	})
	require.NoError(t, err)

	send := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payouts", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderUserID, userID)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusForbidden, send("ops").Code)

	_, err = f.access.Grant(context.Background(), "", "ops", access.RoleFinance)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, send("ops").Code)
}

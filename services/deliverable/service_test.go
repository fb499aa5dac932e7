package deliverable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/featureflags"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"
	"github.com/TroodieTeam/troodie-sub002/services/access"
	"github.com/TroodieTeam/troodie-sub002/services/application"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/notification"
	"github.com/TroodieTeam/troodie-sub002/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
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

type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTrigger) Trigger(_ context.Context, deliverableID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deliverableID)
	return nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	svc      *Service
	apps     *application.Service
	access   *access.Service
	trigger  *fakeTrigger
	enqueuer *fakeEnqueuer
	notes    *notification.Recorder
	app      *application.Application
	clock    time.Time
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag) *fixture {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t, &campaign.Campaign{}, &application.Application{}, &Deliverable{}, &access.RoleGrant{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := &config.Config{}
	cfg.Review.AutoApprovalWindow = 72 * time.Hour

	camps := campaign.NewService(campaign.ServiceParams{DB: db, Node: node})
	deadline := time.Now().Add(30 * 24 * time.Hour)
	c, err := camps.Create(ctx, campaign.Draft{OwnerID: "owner", RestaurantID: "r1", Budget: 20000, Deadline: &deadline}, "usd")
	require.NoError(t, err)
	_, err = camps.MarkPaid(ctx, nil, c.ID)
	require.NoError(t, err)

	apps := application.NewService(application.Params{DB: db, Node: node, Campaigns: camps})
	app, err := apps.Apply(ctx, "creator", application.ApplyRequest{CampaignID: c.ID, ProposedRate: 5000})
	require.NoError(t, err)
	app, err = apps.Accept(ctx, app.ID, "owner", 0)
	require.NoError(t, err)

	acl, err := access.NewService(access.Params{DB: db, Node: node, Config: cfg})
	require.NoError(t, err)

	f := &fixture{
		apps:     apps,
		access:   acl,
		trigger:  &fakeTrigger{},
		enqueuer: &fakeEnqueuer{},
		notes:    &notification.Recorder{},
		app:      app,
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(Params{
		DB:           db,
		Node:         node,
		Config:       cfg,
		Applications: apps,
		Campaigns:    camps,
		Checker:      acl,
		Notifier:     f.notes,
		Enqueuer:     f.enqueuer,
		Payouts:      f.trigger,
		Flags:        flags,
	})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) submit(t *testing.T) *Deliverable {
	t.Helper()
	d, err := f.svc.Submit(context.Background(), "creator", SubmitRequest{
		ApplicationID: f.app.ID,
		Platform:      PlatformInstagram,
		PostURL:       "https://instagram.com/p/ABC123/",
	})
	require.NoError(t, err)
	return d
}

func TestSubmitInstagramPost(t *testing.T) {
	f := newFixture(t, nil)

	d := f.submit(t)
	require.Equal(t, StatusPendingReview, d.Status)
	require.Equal(t, PaymentPending, d.PaymentStatus)
	require.Equal(t, int64(5000), d.PaymentAmount)
	require.NotNil(t, d.SubmittedAt)

	require.Len(t, f.enqueuer.tasks, 1)
	require.Equal(t, taskname.DeliverableAutoApprovalCheck, f.enqueuer.tasks[0].Type())
	require.Equal(t, 1, f.notes.Count(notification.KindDeliverableSubmitted))
}

func TestSubmitRejectsBadURLAndUnacceptedApplication(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "creator", SubmitRequest{ApplicationID: f.app.ID, Platform: PlatformInstagram, PostURL: "https://instagram.com/foodie"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.Submit(ctx, "someone", SubmitRequest{ApplicationID: f.app.ID, Platform: PlatformInstagram, PostURL: "https://instagram.com/p/ABC123/"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	f.submit(t)
	_, err = f.svc.Submit(ctx, "creator", SubmitRequest{ApplicationID: f.app.ID, Platform: PlatformInstagram, PostURL: "https://instagram.com/p/XYZ/"})
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

func TestAmountIsFixedAtSubmission(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.submit(t)
	_, err := f.apps.UpdateRate(ctx, f.app.ID, "owner", 9000)
	require.NoError(t, err)

	_, err = f.svc.RequestChanges(ctx, d.ID, "owner", "please tag the restaurant", []string{"tag"})
	require.NoError(t, err)

	again, err := f.svc.Submit(ctx, "creator", SubmitRequest{ApplicationID: f.app.ID, Platform: PlatformInstagram, PostURL: "https://instagram.com/p/ABC124/"})
	require.NoError(t, err)
	require.Equal(t, d.ID, again.ID)
	require.Equal(t, StatusPendingReview, again.Status)
	require.Equal(t, int64(5000), again.PaymentAmount)
}

func TestFeedbackIsRequired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.submit(t)

	_, err := f.svc.Reject(ctx, d.ID, "owner", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Feedback is required")

	_, err = f.svc.RequestChanges(ctx, d.ID, "owner", "   ", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Feedback is required")

	cur, err := f.svc.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingReview, cur.Status)
	require.Empty(t, cur.ReviewerID)
}

func TestApproveTriggersPayoutOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.submit(t)

	out, err := f.svc.Approve(ctx, d.ID, "owner", "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, out.Status)
	require.Equal(t, PaymentProcessing, out.PaymentStatus)
	require.Equal(t, "owner", out.ReviewerID)

	_, err = f.svc.Approve(ctx, d.ID, "owner", "")
	require.True(t, errutil.Is(err, errutil.StatusConflict))
	_, err = f.svc.Reject(ctx, d.ID, "owner", "too late")
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	require.Equal(t, 1, f.trigger.count())
}

func TestReviewerMustBeOwnerOrGranted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.submit(t)

	_, err := f.svc.Approve(ctx, d.ID, "stranger", "")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.svc.Approve(ctx, d.ID, "creator", "")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.access.Grant(ctx, "admin", "moderator", access.RoleReviewer)
	require.NoError(t, err)

	out, err := f.svc.Reject(ctx, d.ID, "moderator", "does not show the dish")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, out.Status)
	require.Equal(t, 1, f.notes.Count(notification.KindDeliverableRejected))
}

func TestCheckAutoApprovalAfterWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.submit(t)

	f.clock = f.clock.Add(71 * time.Hour)
	out, approved, err := f.svc.CheckAutoApproval(ctx, d.ID)
	require.NoError(t, err)
	require.False(t, approved)
	require.Equal(t, StatusPendingReview, out.Status)

	f.clock = f.clock.Add(2 * time.Hour)
	out, approved, err = f.svc.CheckAutoApproval(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, approved)
	require.Equal(t, StatusAutoApproved, out.Status)
	require.Equal(t, PaymentProcessing, out.PaymentStatus)
	require.Equal(t, SystemReviewer, out.ReviewerID)

	out, approved, err = f.svc.CheckAutoApproval(ctx, d.ID)
	require.NoError(t, err)
	require.False(t, approved)
	require.Equal(t, StatusAutoApproved, out.Status)
	require.Equal(t, 1, f.trigger.count())
}

func TestConcurrentAutoApprovalTriggersOnce(t *testing.T) {
	f := newFixture(t, nil)
	d := f.submit(t)
	f.clock = f.clock.Add(80 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = f.svc.CheckAutoApproval(context.Background(), d.ID)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.trigger.count())
}

func TestSweepAutoApprovals(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.submit(t)

	n, err := f.svc.SweepAutoApprovals(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock = f.clock.Add(73 * time.Hour)
	n, err = f.svc.SweepAutoApprovals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cur, err := f.svc.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAutoApproved, cur.Status)
}

func TestSweepDisabledByFlag(t *testing.T) {
	f := newFixture(t, featureflags.Static{featureflags.AutoApprovalSweep: false})
	f.submit(t)
	f.clock = f.clock.Add(100 * time.Hour)

	n, err := f.svc.SweepAutoApprovals(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, f.trigger.count())
}

func TestDispute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.submit(t)

	_, err := f.svc.Dispute(ctx, d.ID, "creator", "wrong amount")
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	_, err = f.svc.Approve(ctx, d.ID, "owner", "great")
	require.NoError(t, err)

	_, err = f.svc.Dispute(ctx, d.ID, "creator", "")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	out, err := f.svc.Dispute(ctx, d.ID, "creator", "wrong amount")
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, out.Status)
	require.Equal(t, PaymentDisputed, out.PaymentStatus)
}

func TestRemainingUrgency(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	window := 72 * time.Hour

	cases := []struct {
		elapsed time.Duration
		hours   float64
		urgency Urgency
	}{
		{-5 * time.Hour, 72, UrgencyLow},
		{0, 72, UrgencyLow},
		{47 * time.Hour, 25, UrgencyLow},
		{48 * time.Hour, 24, UrgencyMedium},
		{60 * time.Hour, 12, UrgencyHigh},
		{71 * time.Hour, 1, UrgencyHigh},
		{72 * time.Hour, 0, UrgencyExpired},
		{100 * time.Hour, 0, UrgencyExpired},
	}
	for _, tc := range cases {
		hours, urgency := Remaining(submitted, submitted.Add(tc.elapsed), window)
		require.InDelta(t, tc.hours, hours, 0.001, tc.elapsed.String())
		require.Equal(t, tc.urgency, urgency, tc.elapsed.String())
	}
}

func TestTimeRemaining(t *testing.T) {
	f := newFixture(t, nil)
	d := f.submit(t)
	f.clock = f.clock.Add(66 * time.Hour)

	tr, err := f.svc.TimeRemaining(context.Background(), d.ID)
	require.NoError(t, err)
	require.InDelta(t, 6, tr.HoursRemaining, 0.01)
	require.Equal(t, UrgencyHigh, tr.Urgency)
}

func TestTransferFailuresCapAtMaxRetries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := f.submit(t)
	_, err := f.svc.Approve(ctx, d.ID, "owner", "")
	require.NoError(t, err)

	ok, err := f.svc.RecordTransfer(ctx, nil, d.ID, "tr_1")
	require.NoError(t, err)
	require.True(t, ok)

	for i := 1; i <= 3; i++ {
		res, err := f.svc.RecordTransferFailure(ctx, nil, d.ID, "tr_1", 3)
		require.NoError(t, err)
		require.True(t, res.Counted)
		require.Equal(t, i, res.Deliverable.RetryCount)
		require.Equal(t, i == 3, res.Terminal)
	}

	res, err := f.svc.RecordTransferFailure(ctx, nil, d.ID, "tr_1", 3)
	require.NoError(t, err)
	require.False(t, res.Counted)

	cur, err := f.svc.Get(ctx, nil, d.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentFailed, cur.PaymentStatus)
	require.Equal(t, 3, cur.RetryCount)
}

func TestHandlerRejectWithoutFeedback(t *testing.T) {
	f := newFixture(t, nil)
	d := f.submit(t)

	w := serve(t, f.svc, "/v1/deliverables/"+d.ID+"/reject", `{"feedback":""}`, "owner")
	require.Equal(t, 400, w.Code)
	require.Contains(t, w.Body.String(), "Feedback is required")
}

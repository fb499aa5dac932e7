package application

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/middleware"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc       *Service
	campaigns *campaign.Service
	campaign  *campaign.Campaign
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &campaign.Campaign{}, &Application{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	campaigns := campaign.NewService(campaign.ServiceParams{DB: db, Node: node})
	deadline := time.Now().Add(7 * 24 * time.Hour)
	c, err := campaigns.Create(context.Background(), campaign.Draft{
		OwnerID:      "owner",
		RestaurantID: "r1",
		Budget:       50000,
		Deadline:     &deadline,
	}, "usd")
	require.NoError(t, err)
	_, err = campaigns.MarkPaid(context.Background(), nil, c.ID)
	require.NoError(t, err)

	return &fixture{
		svc:       NewService(Params{DB: db, Node: node, Campaigns: campaigns}),
		campaigns: campaigns,
		campaign:  c,
	}
}

func TestApplyRejectsDuplicateUntilWithdrawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.svc.Apply(ctx, "creator", ApplyRequest{CampaignID: f.campaign.ID, ProposedRate: 5000})
	require.NoError(t, err)
	require.Equal(t, StatusPending, app.Status)

	_, err = f.svc.Apply(ctx, "creator", ApplyRequest{CampaignID: f.campaign.ID, ProposedRate: 6000})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	_, err = f.svc.Withdraw(ctx, app.ID, "creator")
	require.NoError(t, err)

	again, err := f.svc.Apply(ctx, "creator", ApplyRequest{CampaignID: f.campaign.ID, ProposedRate: 6000})
	require.NoError(t, err)
	require.NotEqual(t, app.ID, again.ID)
}

func TestUniqueIndexBacksPreCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.application.Create(ctx, &Application{ID: "a1", CampaignID: f.campaign.ID, CreatorID: "c", ProposedRate: 1, Status: StatusPending}))
	err := f.svc.application.Create(ctx, &Application{ID: "a2", CampaignID: f.campaign.ID, CreatorID: "c", ProposedRate: 1, Status: StatusAccepted})
	require.Error(t, err)

	require.NoError(t, f.svc.application.Create(ctx, &Application{ID: "a3", CampaignID: f.campaign.ID, CreatorID: "c", ProposedRate: 1, Status: StatusWithdrawn}))
}

func TestApplyRequiresFundedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	unfunded, err := f.campaigns.Create(ctx, campaign.Draft{OwnerID: "owner", RestaurantID: "r1", Budget: 100, Deadline: &deadline}, "usd")
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, "creator", ApplyRequest{CampaignID: unfunded.ID, ProposedRate: 100})
	require.True(t, errutil.Is(err, errutil.StatusUnprocessableEntity))
}

func TestAcceptOnlyOnceByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app, err := f.svc.Apply(ctx, "creator", ApplyRequest{CampaignID: f.campaign.ID, ProposedRate: 5000})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, app.ID, "someone-else", 0)
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	accepted, err := f.svc.Accept(ctx, app.ID, "owner", 0)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)
	require.Equal(t, int64(5000), accepted.AgreedRate)

	_, err = f.svc.Reject(ctx, app.ID, "owner")
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	updated, err := f.svc.UpdateRate(ctx, app.ID, "owner", 7000)
	require.NoError(t, err)
	require.Equal(t, int64(7000), updated.AgreedRate)
	require.Equal(t, int64(5000), updated.ProposedRate)
}

func TestHandlerApply(t *testing.T) {
	f := newFixture(t)

	e := gin.New()
	e.Use(middleware.Actor(), middleware.Error())
	NewHandler(f.svc).Register(e.Group("/v1"))

	body := []byte(`{"campaign_id":"` + f.campaign.ID + `","proposed_rate":2500}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/applications", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, "creator")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/applications", bytes.NewReader([]byte(`{"campaign_id":"x","proposed_rate":0}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, "creator")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/applications", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

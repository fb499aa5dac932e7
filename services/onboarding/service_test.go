package onboarding

import (
	"context"
	"testing"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/mock"
	"github.com/TroodieTeam/troodie-sub002/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newService(t *testing.T) (*Service, *mock.Client) {
	t.Helper()
	db := testutil.NewTestDB(t, &ConnectedAccount{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	proc := mock.New("whsec", 0)
	return NewService(Params{DB: db, Node: node, Processor: proc}), proc
}

func TestStatusWithoutAccount(t *testing.T) {
	svc, _ := newService(t)

	st, err := svc.GetStatus(context.Background(), "u1", RoleCreator)
	require.NoError(t, err)
	require.False(t, st.HasAccount)
	require.False(t, st.OnboardingCompleted)

	_, err = svc.GetStatus(context.Background(), "u1", Role("admin"))
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestEnsureAccountCreatesOnce(t *testing.T) {
	svc, proc := newService(t)
	ctx := context.Background()

	a, err := svc.EnsureAccount(ctx, "u1", RoleCreator, "")
	require.NoError(t, err)
	b, err := svc.EnsureAccount(ctx, "u1", RoleCreator, "")
	require.NoError(t, err)

	require.Equal(t, a.ProcessorAccountID, b.ProcessorAccountID)
	require.Equal(t, 1, proc.Calls(mock.OpCreateAccount))

	biz, err := svc.EnsureAccount(ctx, "u1", RoleBusiness, "")
	require.NoError(t, err)
	require.NotEqual(t, a.ProcessorAccountID, biz.ProcessorAccountID)
}

func TestOnboardingLinkIsCachedUntilExpiry(t *testing.T) {
	svc, proc := newService(t)
	ctx := context.Background()
	now := time.Now()
	svc.now = func() time.Time { return now }

	first, err := svc.OnboardingLink(ctx, "u1", RoleCreator, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.OnboardingLink)

	second, err := svc.OnboardingLink(ctx, "u1", RoleCreator, "")
	require.NoError(t, err)
	require.Equal(t, first.OnboardingLink, second.OnboardingLink)
	require.Equal(t, 1, proc.Calls(mock.OpCreateOnboarding))

	st, err := svc.GetStatus(ctx, "u1", RoleCreator)
	require.NoError(t, err)
	require.Equal(t, first.OnboardingLink, st.OnboardingLink)

	now = now.Add(time.Hour)
	_, err = svc.OnboardingLink(ctx, "u1", RoleCreator, "")
	require.NoError(t, err)
	require.Equal(t, 2, proc.Calls(mock.OpCreateOnboarding))
}

func TestOnboardingLinkProcessorFailure(t *testing.T) {
	svc, proc := newService(t)
	proc.FailNext(mock.OpCreateOnboarding, &processor.Error{Code: "account_invalid", Message: "bad account"})

	_, err := svc.OnboardingLink(context.Background(), "u1", RoleCreator, "")
	require.True(t, errutil.Is(err, errutil.StatusBadGateway))

	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	code, ok := be.Detail("processor_code")
	require.True(t, ok)
	require.Equal(t, "account_invalid", code)
}

func TestMarkFromProcessorIsSetToValue(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	acct, err := svc.EnsureAccount(ctx, "u1", RoleCreator, "")
	require.NoError(t, err)

	_, completed, err := svc.MarkFromProcessor(ctx, nil, acct.ProcessorAccountID, true)
	require.NoError(t, err)
	require.True(t, completed)

	_, completed, err = svc.MarkFromProcessor(ctx, nil, acct.ProcessorAccountID, true)
	require.NoError(t, err)
	require.False(t, completed)

	accountID, ok, err := svc.PayoutAccount(ctx, "u1", RoleCreator)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, acct.ProcessorAccountID, accountID)

	_, err = svc.OnboardingLink(ctx, "u1", RoleCreator, "")
	require.True(t, errutil.Is(err, errutil.StatusConflict))
}

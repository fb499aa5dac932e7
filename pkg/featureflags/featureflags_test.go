package featureflags

import (
	"context"
	"testing"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestUnconfiguredFallsBackToDefault(t *testing.T) {
	ff := ProvideFeatureFlag(FeatureParams{Config: &config.Config{}})
	require.True(t, ff.IsEnabled(context.Background(), AutoApprovalSweep, true))
	require.False(t, ff.IsEnabled(context.Background(), AutoApprovalSweep, false))
}

func TestStatic(t *testing.T) {
	ff := Static{AutoApprovalSweep: false}
	require.False(t, ff.IsEnabled(context.Background(), AutoApprovalSweep, true))
	require.True(t, ff.IsEnabled(context.Background(), "other", true))
}

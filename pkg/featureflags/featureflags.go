package featureflags

import (
	"context"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	// AutoApprovalSweep gates the periodic overdue-deliverable sweep.
	AutoApprovalSweep = "auto_approval_sweep"
)

type FeatureFlag interface {
	// IsEnabled returns def when flags are not configured or cannot be read.
	IsEnabled(ctx context.Context, name string, def bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, name string, def bool) bool {
	if s.client == nil {
		return def
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("failed to read feature flags", zap.String("flag", name), zap.Error(err))
		return def
	}

	enabled, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return def
	}
	return enabled
}

// Static is a FeatureFlag with fixed values, used by tests and local runs.
type Static map[string]bool

func (s Static) IsEnabled(_ context.Context, name string, def bool) bool {
	if v, ok := s[name]; ok {
		return v
	}
	return def
}

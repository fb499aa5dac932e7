package onboarding

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("onboarding.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("onboarding.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

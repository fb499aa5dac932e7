package application

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("application.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("application.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

package orchestrator

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator.funding",
	fx.Provide(NewService),
)

var HTTP = fx.Module("orchestrator.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

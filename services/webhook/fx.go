package webhook

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("webhook.reconciler",
	fx.Provide(NewReconciler),
)

var HTTP = fx.Module("webhook.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

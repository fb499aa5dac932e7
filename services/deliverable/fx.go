package deliverable

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("deliverable.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("deliverable.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

var Worker = fx.Module("deliverable.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.DeliverableAutoApprovalCheck, svc.HandleAutoApprovalTask)
}

package payout

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"
	"github.com/TroodieTeam/troodie-sub002/services/deliverable"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.processor",
	fx.Provide(
		NewScheduler,
		fx.Annotate(func(s *Scheduler) *Scheduler { return s }, fx.As(new(deliverable.PayoutTrigger))),
		NewProcessor,
	),
)

var HTTP = fx.Module("payout.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

var Worker = fx.Module("payout.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, p *Processor) {
	mux.HandleFunc(taskname.PayoutProcess, p.HandleTask)
}

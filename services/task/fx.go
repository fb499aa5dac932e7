package task

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"
	"github.com/TroodieTeam/troodie-sub002/services/deliverable"

	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(
		fx.Annotate(func(d *deliverable.Service) *deliverable.Service { return d }, fx.As(new(Sweeper))),
		NewService,
	),
)

var HTTP = fx.Module("task.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

// Scheduler runs the periodic sweep; only the worker includes it.
var Scheduling = fx.Module("task.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)

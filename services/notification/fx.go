package notification

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.dispatcher",
	fx.Provide(
		NewDispatcher,
		func(d *Dispatcher) Notifier { return d },
	),
)

var Worker = fx.Module("notification.worker",
	fx.Provide(NewPublisher),
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, p *Publisher) {
	mux.HandleFunc(taskname.NotificationDispatch, p.HandleDispatchTask)
}

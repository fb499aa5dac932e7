package payment

import (
	"go.uber.org/fx"
)

var Module = fx.Module("payment.gateway",
	fx.Provide(NewGateway),
)

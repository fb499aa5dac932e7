package access

import (
	"github.com/TroodieTeam/troodie-sub002/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("access.service",
	fx.Provide(
		NewService,
		func(s *Service) Checker { return s },
	),
)

var HTTP = fx.Module("access.http",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

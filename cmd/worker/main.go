package main

import (
	"log"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/db"
	"github.com/TroodieTeam/troodie-sub002/pkg/featureflags"
	"github.com/TroodieTeam/troodie-sub002/pkg/gen"
	"github.com/TroodieTeam/troodie-sub002/pkg/hashistack/secretmanager"
	"github.com/TroodieTeam/troodie-sub002/pkg/lease"
	"github.com/TroodieTeam/troodie-sub002/pkg/logger"
	"github.com/TroodieTeam/troodie-sub002/pkg/otelcol"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/providers"
	"github.com/TroodieTeam/troodie-sub002/pkg/profiling"
	"github.com/TroodieTeam/troodie-sub002/pkg/redis"
	"github.com/TroodieTeam/troodie-sub002/pkg/sequence"
	"github.com/TroodieTeam/troodie-sub002/pkg/server"
	asynqtask "github.com/TroodieTeam/troodie-sub002/pkg/task"
	"github.com/TroodieTeam/troodie-sub002/services/access"
	"github.com/TroodieTeam/troodie-sub002/services/application"
	"github.com/TroodieTeam/troodie-sub002/services/campaign"
	"github.com/TroodieTeam/troodie-sub002/services/deliverable"
	"github.com/TroodieTeam/troodie-sub002/services/ledger"
	"github.com/TroodieTeam/troodie-sub002/services/notification"
	"github.com/TroodieTeam/troodie-sub002/services/onboarding"
	"github.com/TroodieTeam/troodie-sub002/services/payment"
	"github.com/TroodieTeam/troodie-sub002/services/payout"
	"github.com/TroodieTeam/troodie-sub002/services/task"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		lease.Module,
		sequence.Module,
		gen.Module,
		featureflags.Module,
		asynqtask.Client,
		asynqtask.Server,
		providers.Module,

		access.Module,
		campaign.Module,
		payment.Module,
		ledger.Module,
		onboarding.Module,
		application.Module,
		notification.Module,
		deliverable.Module,
		payout.Module,
		task.Module,

		notification.Worker,
		deliverable.Worker,
		payout.Worker,
		task.Scheduling,

		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})

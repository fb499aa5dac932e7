package providers

import (
	"fmt"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/mock"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/stripe"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("processor",
	fx.Provide(New),
)

func New(cfg *config.Config) (processor.Client, error) {
	switch cfg.Processor.Provider {
	case "stripe":
		if cfg.Processor.SecretKey == "" {
			return nil, fmt.Errorf("PROCESSOR.SECRET_KEY is required for stripe")
		}
		return stripe.New(stripe.Options{
			SecretKey:        cfg.Processor.SecretKey,
			WebhookSecret:    cfg.Processor.WebhookSecret,
			WebhookTolerance: cfg.Processor.WebhookTolerance,
			Currency:         cfg.Processor.Currency,
			RefreshURL:       cfg.Processor.RefreshURL,
			ReturnURL:        cfg.Processor.ReturnURL,
		}), nil
	case "mock", "":
		zap.L().Warn("[Processor] using in-memory mock processor")
		return mock.New(cfg.Processor.WebhookSecret, cfg.Processor.WebhookTolerance), nil
	default:
		return nil, fmt.Errorf("unsupported processor provider %q", cfg.Processor.Provider)
	}
}

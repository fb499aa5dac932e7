package payout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TroodieTeam/troodie-sub002/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// HandleTask runs one scheduled payout attempt.
func (p *Processor) HandleTask(ctx context.Context, t *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payout payload: %v: %w", err, asynq.SkipRetry)
	}

	res, err := p.Payout(ctx, payload.DeliverableID)
	if err != nil {
		return task.Settle(err)
	}

	zap.L().Info("payout task done",
		zap.String("deliverable_id", payload.DeliverableID),
		zap.Int("retry", payload.Retry),
		zap.String("transfer_id", res.TransferID),
		zap.Bool("skipped", res.Skipped),
		zap.Bool("pending_onboarding", res.PendingOnboarding),
	)
	return nil
}

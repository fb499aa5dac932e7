package deliverable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/task"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type autoApprovalPayload struct {
	DeliverableID string    `json:"deliverable_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

func NewAutoApprovalTask(deliverableID string, submittedAt time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(autoApprovalPayload{DeliverableID: deliverableID, SubmittedAt: submittedAt})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.DeliverableAutoApprovalCheck, payload), nil
}

// AutoApprovalTaskOptions keys the task on the submission so a resubmission
// schedules its own check.
func AutoApprovalTaskOptions(deliverableID string, submittedAt time.Time, delay time.Duration) []asynq.Option {
	if delay < 0 {
		delay = 0
	}
	return []asynq.Option{
		asynq.Queue(task.QueueDefault),
		asynq.TaskID(fmt.Sprintf("auto_approval:%s:%d", deliverableID, submittedAt.Unix())),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(5),
		asynq.Retention(24 * time.Hour),
	}
}

// HandleAutoApprovalTask runs checkAutoApproval for one deliverable.
func (s *Service) HandleAutoApprovalTask(ctx context.Context, t *asynq.Task) error {
	var p autoApprovalPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode auto-approval payload: %v: %w", err, asynq.SkipRetry)
	}

	d, approved, err := s.CheckAutoApproval(ctx, p.DeliverableID)
	if err != nil {
		return task.Settle(err)
	}

	zap.L().With(logFields(ctx, p.DeliverableID)...).Info("auto-approval check",
		zap.Bool("approved", approved),
		zap.String("status", string(d.Status)),
	)
	return nil
}

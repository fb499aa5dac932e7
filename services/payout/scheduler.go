package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/task"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const defaultRetryDelay = 10 * time.Minute

// Scheduler enqueues payout tasks. It is the payout trigger handed to the
// deliverable lifecycle.
type Scheduler struct {
	enqueuer   task.Enqueuer
	retryDelay time.Duration
}

func NewScheduler(enqueuer task.Enqueuer, cfg *config.Config) *Scheduler {
	delay := cfg.Payout.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Scheduler{enqueuer: enqueuer, retryDelay: delay}
}

func NewTask(deliverableID string, retry int) (*asynq.Task, error) {
	payload, err := json.Marshal(taskPayload{DeliverableID: deliverableID, Retry: retry})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PayoutProcess, payload), nil
}

// TaskID deduplicates repeated triggers of the same attempt.
func TaskID(deliverableID string, retry int) string {
	return fmt.Sprintf("payout:%s:%d", deliverableID, retry)
}

func (s *Scheduler) enqueue(ctx context.Context, deliverableID string, retry int, delay time.Duration) error {
	t, err := NewTask(deliverableID, retry)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(task.QueueCritical),
		asynq.TaskID(TaskID(deliverableID, retry)),
		asynq.MaxRetry(3),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	if _, err := s.enqueuer.Enqueue(ctx, t, opts...); err != nil {
		if task.IsDuplicate(err) {
			zap.L().Info("payout already scheduled", zap.String("deliverable_id", deliverableID), zap.Int("retry", retry))
			return nil
		}
		return err
	}
	return nil
}

// Trigger schedules a payout attempt to run now.
func (s *Scheduler) Trigger(ctx context.Context, deliverableID string, retry int) error {
	return s.enqueue(ctx, deliverableID, retry, 0)
}

// ScheduleRetry schedules the next attempt after a failed transfer.
func (s *Scheduler) ScheduleRetry(ctx context.Context, deliverableID string, retry int) error {
	return s.enqueue(ctx, deliverableID, retry, s.retryDelay)
}

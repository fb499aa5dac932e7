package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"

	"github.com/hibiken/asynq"
)

// Enqueuer is the narrow view of asynq.Client used by services.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// IsDuplicate reports whether err means a task with the same id is already queued.
func IsDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// Settle maps a handler error onto asynq's retry semantics: permanent
// failures are wrapped with asynq.SkipRetry so the task is archived at once.
func Settle(err error) error {
	if err == nil || errutil.Retryable(err) {
		return err
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

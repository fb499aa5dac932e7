package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{ID: "1", Type: t.Type()}, nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestDispatcherEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := NewDispatcher(enq)

	d.Notify(context.Background(), Notification{UserID: "u1", Kind: KindPaymentSucceeded, Message: "paid"})

	require.Len(t, enq.tasks, 1)
	require.Equal(t, taskname.NotificationDispatch, enq.tasks[0].Type())

	var n Notification
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &n))
	require.Equal(t, "u1", n.UserID)
	require.False(t, n.CreatedAt.IsZero())
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	d := NewDispatcher(&fakeEnqueuer{err: errors.New("redis down")})
	require.NotPanics(t, func() {
		d.Notify(context.Background(), Notification{UserID: "u1", Kind: KindPayoutFailed})
	})
}

func TestPublisherWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}

	task, err := NewDispatchTask(Notification{UserID: "u7", Kind: KindPayoutCompleted})
	require.NoError(t, err)
	require.NoError(t, p.HandleDispatchTask(context.Background(), task))

	require.Len(t, w.msgs, 1)
	require.Equal(t, []byte("u7"), w.msgs[0].Key)
}

func TestPublisherSkipsRetryOnBadPayload(t *testing.T) {
	p := &Publisher{writer: &fakeWriter{}}
	err := p.HandleDispatchTask(context.Background(), asynq.NewTask(taskname.NotificationDispatch, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

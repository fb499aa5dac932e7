package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/task"
	"github.com/TroodieTeam/troodie-sub002/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Notifier is fire-and-forget: failures are logged and never returned.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type Dispatcher struct {
	enqueuer task.Enqueuer
	now      func() time.Time
}

func NewDispatcher(enqueuer task.Enqueuer) *Dispatcher {
	return &Dispatcher{enqueuer: enqueuer, now: time.Now}
}

func NewDispatchTask(n Notification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.NotificationDispatch, payload, asynq.Queue(task.QueueLow), asynq.MaxRetry(5)), nil
}

func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	span := trace.SpanFromContext(ctx)
	opts := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("user_id", n.UserID),
		zap.String("kind", string(n.Kind)),
	}

	if n.UserID == "" {
		zap.L().With(opts...).Warn("notification without recipient dropped")
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}

	t, err := NewDispatchTask(n)
	if err != nil {
		zap.L().With(opts...).Error("failed to encode notification", zap.Error(err))
		return
	}
	if _, err := d.enqueuer.Enqueue(ctx, t); err != nil {
		zap.L().With(opts...).Warn("failed to enqueue notification", zap.Error(err))
	}
}

// MessageWriter is the subset of *kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type logWriter struct{}

func (logWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		zap.L().Info("notification", zap.ByteString("key", m.Key), zap.ByteString("value", m.Value))
	}
	return nil
}

func (logWriter) Close() error { return nil }

// Publisher drains notification tasks onto the Kafka topic.
type Publisher struct {
	writer MessageWriter
}

type PublisherParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

func NewKafkaWriter(cfg *config.Config) MessageWriter {
	if len(cfg.Kafka.Brokers) == 0 {
		zap.L().Warn("[Kafka] no brokers configured, notifications are logged only")
		return logWriter{}
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Kafka.Brokers...),
		Topic:                  cfg.Kafka.NotificationTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

func NewPublisher(p PublisherParams) *Publisher {
	w := NewKafkaWriter(p.Config)
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return w.Close()
		},
	})
	return &Publisher{writer: w}
}

func (p *Publisher) HandleDispatchTask(ctx context.Context, t *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		zap.L().Error("invalid notification payload", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	msg := kafka.Message{
		Key:   []byte(n.UserID),
		Value: t.Payload(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		zap.L().Warn("failed to publish notification", zap.String("user_id", n.UserID), zap.Error(err))
		return err
	}
	return nil
}

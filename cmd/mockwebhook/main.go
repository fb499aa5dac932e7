// Command mockwebhook signs a processor event with the mock processor's
// webhook secret and posts it to a running API.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"
	"github.com/TroodieTeam/troodie-sub002/pkg/logger"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
	"github.com/TroodieTeam/troodie-sub002/pkg/processor/mock"
	"github.com/TroodieTeam/troodie-sub002/services/webhook"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type metaFlag map[string]string

func (m metaFlag) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m metaFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("metadata must be key=value, got %q", s)
	}
	m[k] = v
	return nil
}

type options struct {
	url     string
	event   processor.Event
	timeout time.Duration
}

func parseFlags() options {
	var (
		o    options
		kind string
		meta = metaFlag{}
	)
	flag.StringVar(&o.url, "url", "http://localhost:8080/v1/webhooks/processor", "webhook endpoint")
	flag.StringVar(&o.event.ID, "id", "", "event id (random when empty)")
	flag.StringVar(&kind, "kind", string(processor.EventPaymentSucceeded), "event kind, e.g. payment.succeeded, transfer.failed")
	flag.StringVar(&o.event.ObjectID, "object", "", "processor object id (intent, transfer or account)")
	flag.Int64Var(&o.event.Amount, "amount", 0, "amount in minor units")
	flag.StringVar(&o.event.FailureCode, "failure-code", "", "failure code for failed events")
	flag.StringVar(&o.event.FailureMessage, "failure-message", "", "failure message for failed events")
	flag.BoolVar(&o.event.DetailsSubmitted, "details-submitted", false, "account.updated: details submitted")
	flag.Var(meta, "meta", "metadata key=value, repeatable")
	flag.DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")
	flag.Parse()

	if o.event.ID == "" {
		o.event.ID = "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	o.event.Kind = processor.EventKind(kind)
	o.event.Metadata = meta
	o.event.Created = time.Now().UTC()
	return o
}

func main() {
	o := parseFlags()

	app := fx.New(
		config.Module,
		logger.Module,
		fx.Supply(o),
		fx.Invoke(send),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func send(cfg *config.Config, o options) error {
	payload, err := mock.EncodeEvent(o.event)
	if err != nil {
		return err
	}
	sig := mock.Sign(cfg.Processor.WebhookSecret, payload, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderSignature, sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		zap.L().Error("webhook post failed", zap.String("url", o.url), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	zap.L().Info("webhook posted",
		zap.String("event_id", o.event.ID),
		zap.String("kind", string(o.event.Kind)),
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", body),
	)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook rejected with status %d", resp.StatusCode)
	}
	return nil
}

package stripe

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/processor"

	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

func signedPayload(t *testing.T, secret string, body map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestParseWebhookPaymentSucceeded(t *testing.T) {
	c := New(Options{SecretKey: "sk_test", WebhookSecret: "whsec_test"})

	payload, header := signedPayload(t, "whsec_test", map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    "payment_intent.succeeded",
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_1",
				"object":   "payment_intent",
				"amount":   10000,
				"metadata": map[string]string{processor.MetaCampaignID: "c1"},
			},
		},
	})

	evt, err := c.ParseWebhook(payload, header)
	require.NoError(t, err)
	require.Equal(t, processor.EventPaymentSucceeded, evt.Kind)
	require.Equal(t, "pi_1", evt.ObjectID)
	require.Equal(t, int64(10000), evt.Amount)
	require.Equal(t, "c1", evt.Metadata[processor.MetaCampaignID])
}

func TestParseWebhookTransferReversedIsFailure(t *testing.T) {
	c := New(Options{SecretKey: "sk_test", WebhookSecret: "whsec_test"})

	payload, header := signedPayload(t, "whsec_test", map[string]any{
		"id":      "evt_2",
		"object":  "event",
		"type":    "transfer.reversed",
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       "tr_1",
				"object":   "transfer",
				"amount":   2500,
				"metadata": map[string]string{processor.MetaDeliverableID: "d1"},
			},
		},
	})

	evt, err := c.ParseWebhook(payload, header)
	require.NoError(t, err)
	require.Equal(t, processor.EventTransferFailed, evt.Kind)
	require.Equal(t, "d1", evt.Metadata[processor.MetaDeliverableID])
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	c := New(Options{SecretKey: "sk_test", WebhookSecret: "whsec_test"})

	payload, _ := signedPayload(t, "whsec_test", map[string]any{"id": "evt_3", "type": "account.updated"})
	_, err := c.ParseWebhook(payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, processor.ErrInvalidSignature)
}

func TestWrapKeepsStripeCode(t *testing.T) {
	err := wrap(&stripego.Error{Code: stripego.ErrorCodeBalanceInsufficient, Msg: "insufficient funds", HTTPStatusCode: 400})

	var pe *processor.Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, string(stripego.ErrorCodeBalanceInsufficient), pe.Code)
	require.Equal(t, "balance_insufficient", processor.CodeOf(err))
}

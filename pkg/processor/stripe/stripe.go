// Package stripe adapts stripe-go to processor.Client.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/processor"

	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/accountlink"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/transfer"
	"github.com/stripe/stripe-go/v82/transferreversal"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

type Options struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	Currency         string
	RefreshURL       string
	ReturnURL        string
}

type Client struct {
	opts Options
}

func New(opts Options) *Client {
	stripego.Key = opts.SecretKey
	if opts.Currency == "" {
		opts.Currency = string(stripego.CurrencyUSD)
	}
	if opts.WebhookTolerance == 0 {
		opts.WebhookTolerance = webhook.DefaultTolerance
	}
	return &Client{opts: opts}
}

func (c *Client) Name() string { return "stripe" }

func (c *Client) currency(v string) string {
	if v != "" {
		return v
	}
	return c.opts.Currency
}

func (c *Client) CreatePaymentIntent(ctx context.Context, p processor.CreateIntentParams) (*processor.PaymentIntent, error) {
	params := &stripego.PaymentIntentParams{
		Amount:   stripego.Int64(p.Amount),
		Currency: stripego.String(c.currency(p.Currency)),
		AutomaticPaymentMethods: &stripego.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripego.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(processor.MetaCampaignID, p.CampaignID)
	params.AddMetadata(processor.MetaUserID, p.OwnerID)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrap(err)
	}
	return toIntent(pi), nil
}

func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*processor.PaymentIntent, error) {
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, wrap(err)
	}
	return toIntent(pi), nil
}

func (c *Client) CreateTransfer(ctx context.Context, p processor.CreateTransferParams) (*processor.Transfer, error) {
	params := &stripego.TransferParams{
		Amount:        stripego.Int64(p.Amount),
		Currency:      stripego.String(c.currency(p.Currency)),
		Destination:   stripego.String(p.Destination),
		TransferGroup: stripego.String(p.CampaignID),
	}
	params.Context = ctx
	params.AddMetadata(processor.MetaDeliverableID, p.DeliverableID)
	params.AddMetadata(processor.MetaCampaignID, p.CampaignID)
	params.AddMetadata(processor.MetaCreatorID, p.CreatorID)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	t, err := transfer.New(params)
	if err != nil {
		return nil, wrap(err)
	}

	out := &processor.Transfer{
		ID:       t.ID,
		Amount:   t.Amount,
		Currency: string(t.Currency),
		Metadata: t.Metadata,
	}
	if t.Destination != nil {
		out.Destination = t.Destination.ID
	}
	return out, nil
}

func (c *Client) ReverseTransfer(ctx context.Context, transferID, idempotencyKey string) error {
	params := &stripego.TransferReversalParams{
		ID: stripego.String(transferID),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	if _, err := transferreversal.New(params); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *Client) CreateAccount(ctx context.Context, p processor.CreateAccountParams) (*processor.Account, error) {
	params := &stripego.AccountParams{
		Type: stripego.String(string(stripego.AccountTypeExpress)),
		Capabilities: &stripego.AccountCapabilitiesParams{
			Transfers: &stripego.AccountCapabilitiesTransfersParams{
				Requested: stripego.Bool(true),
			},
		},
	}
	if p.Email != "" {
		params.Email = stripego.String(p.Email)
	}
	params.Context = ctx
	params.AddMetadata(processor.MetaUserID, p.UserID)
	params.AddMetadata(processor.MetaRole, p.Role)
	params.SetIdempotencyKey(fmt.Sprintf("%s-%s-account", p.UserID, p.Role))

	acct, err := account.New(params)
	if err != nil {
		return nil, wrap(err)
	}
	return toAccount(acct), nil
}

func (c *Client) GetAccount(ctx context.Context, id string) (*processor.Account, error) {
	params := &stripego.AccountParams{}
	params.Context = ctx

	acct, err := account.GetByID(id, params)
	if err != nil {
		return nil, wrap(err)
	}
	return toAccount(acct), nil
}

func (c *Client) CreateOnboardingLink(ctx context.Context, accountID string) (*processor.OnboardingLink, error) {
	params := &stripego.AccountLinkParams{
		Account:    stripego.String(accountID),
		RefreshURL: stripego.String(c.opts.RefreshURL),
		ReturnURL:  stripego.String(c.opts.ReturnURL),
		Type:       stripego.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := accountlink.New(params)
	if err != nil {
		return nil, wrap(err)
	}
	return &processor.OnboardingLink{
		URL:       link.URL,
		ExpiresAt: time.Unix(link.ExpiresAt, 0),
	}, nil
}

func (c *Client) ParseWebhook(payload []byte, signature string) (*processor.Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, c.opts.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                c.opts.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		zap.L().Warn("[Stripe] webhook signature rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", processor.ErrInvalidSignature, err)
	}
	return normalize(evt)
}

func normalize(evt stripego.Event) (*processor.Event, error) {
	out := &processor.Event{
		ID:           evt.ID,
		ProviderType: string(evt.Type),
		Kind:         processor.EventUnknown,
		Created:      time.Unix(evt.Created, 0),
	}
	if evt.Data == nil {
		return out, nil
	}

	switch evt.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Kind = processor.EventPaymentSucceeded
		if evt.Type == "payment_intent.payment_failed" {
			out.Kind = processor.EventPaymentFailed
		}
		out.ObjectID = pi.ID
		out.Amount = pi.Amount
		out.Metadata = pi.Metadata
		if pi.LastPaymentError != nil {
			out.FailureCode = string(pi.LastPaymentError.Code)
			out.FailureMessage = pi.LastPaymentError.Msg
		}

	case "transfer.created", "transfer.paid", "transfer.failed", "transfer.reversed":
		var t stripego.Transfer
		if err := json.Unmarshal(evt.Data.Raw, &t); err != nil {
			return nil, fmt.Errorf("decode transfer: %w", err)
		}
		switch evt.Type {
		case "transfer.created":
			out.Kind = processor.EventTransferCreated
		case "transfer.paid":
			out.Kind = processor.EventTransferPaid
		default:
			out.Kind = processor.EventTransferFailed
			out.FailureCode = string(evt.Type)
		}
		out.ObjectID = t.ID
		out.Amount = t.Amount
		out.Metadata = t.Metadata

	case "account.updated":
		var acct stripego.Account
		if err := json.Unmarshal(evt.Data.Raw, &acct); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		out.Kind = processor.EventAccountUpdated
		out.ObjectID = acct.ID
		out.Metadata = acct.Metadata
		out.DetailsSubmitted = acct.DetailsSubmitted
	}

	return out, nil
}

func toIntent(pi *stripego.PaymentIntent) *processor.PaymentIntent {
	status := processor.IntentStatus(pi.Status)
	if pi.Status == stripego.PaymentIntentStatusRequiresPaymentMethod && pi.LastPaymentError != nil {
		status = processor.IntentFailed
	}
	return &processor.PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       status,
		Metadata:     pi.Metadata,
	}
}

func toAccount(acct *stripego.Account) *processor.Account {
	return &processor.Account{
		ID:               acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		PayoutsEnabled:   acct.PayoutsEnabled,
		Metadata:         acct.Metadata,
	}
}

func wrap(err error) error {
	var se *stripego.Error
	if errors.As(err, &se) {
		return &processor.Error{
			Code:       string(se.Code),
			Message:    se.Msg,
			HTTPStatus: se.HTTPStatusCode,
			Err:        err,
		}
	}
	return &processor.Error{Message: err.Error(), Err: err}
}

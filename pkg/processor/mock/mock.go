// Package mock is an in-memory processor used for local runs and tests.
// Its webhooks use the same t=,v1= HMAC header scheme as real providers.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TroodieTeam/troodie-sub002/pkg/processor"
)

const (
	OpCreatePaymentIntent = "CreatePaymentIntent"
	OpCreateTransfer      = "CreateTransfer"
	OpReverseTransfer     = "ReverseTransfer"
	OpCreateAccount       = "CreateAccount"
	OpCreateOnboarding    = "CreateOnboardingLink"
)

// envelope is the wire format of mock webhooks.
type envelope struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    eventData `json:"data"`
}

type eventData struct {
	ObjectID         string            `json:"object_id"`
	Amount           int64             `json:"amount,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	FailureCode      string            `json:"failure_code,omitempty"`
	FailureMessage   string            `json:"failure_message,omitempty"`
	DetailsSubmitted bool              `json:"details_submitted,omitempty"`
}

type Client struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time

	mu        sync.Mutex
	seq       int
	intents   map[string]*processor.PaymentIntent
	transfers map[string]*processor.Transfer
	accounts  map[string]*processor.Account
	idem      map[string]string
	reversed  []string
	failures  map[string][]error
	calls     map[string]int
}

func New(secret string, tolerance time.Duration) *Client {
	return &Client{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
		intents:   map[string]*processor.PaymentIntent{},
		transfers: map[string]*processor.Transfer{},
		accounts:  map[string]*processor.Account{},
		idem:      map[string]string{},
		failures:  map[string][]error{},
		calls:     map[string]int{},
	}
}

func (c *Client) Name() string { return "mock" }

// FailNext makes the next call to op return err.
func (c *Client) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// Calls reports how many times op was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Reversed lists transfer ids that were reversed.
func (c *Client) Reversed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reversed...)
}

// SetIntentStatus simulates the processor confirming or failing an intent.
func (c *Client) SetIntentStatus(id string, status processor.IntentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pi, ok := c.intents[id]; ok {
		pi.Status = status
	}
}

// SetDetailsSubmitted simulates a user finishing onboarding.
func (c *Client) SetDetailsSubmitted(accountID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.accounts[accountID]; ok {
		a.DetailsSubmitted = v
		a.PayoutsEnabled = v
	}
}

func (c *Client) begin(op string) error {
	c.calls[op]++
	if q := c.failures[op]; len(q) > 0 {
		c.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (c *Client) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s_mock_%d", prefix, c.seq)
}

func (c *Client) CreatePaymentIntent(_ context.Context, p processor.CreateIntentParams) (*processor.PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpCreatePaymentIntent); err != nil {
		return nil, err
	}
	if p.Amount <= 0 {
		return nil, &processor.Error{Code: "amount_too_small", Message: "amount must be positive", HTTPStatus: 400}
	}
	if id, ok := c.idem[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		cp := *c.intents[id]
		return &cp, nil
	}

	id := c.nextID("pi")
	pi := &processor.PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret",
		Amount:       p.Amount,
		Currency:     p.Currency,
		Status:       processor.IntentRequiresPaymentMethod,
		Metadata: map[string]string{
			processor.MetaCampaignID: p.CampaignID,
			processor.MetaUserID:     p.OwnerID,
		},
	}
	c.intents[id] = pi
	if p.IdempotencyKey != "" {
		c.idem[p.IdempotencyKey] = id
	}
	cp := *pi
	return &cp, nil
}

func (c *Client) GetPaymentIntent(_ context.Context, id string) (*processor.PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pi, ok := c.intents[id]
	if !ok {
		return nil, &processor.Error{Code: "resource_missing", Message: "no such payment intent", HTTPStatus: 404}
	}
	cp := *pi
	return &cp, nil
}

func (c *Client) CreateTransfer(_ context.Context, p processor.CreateTransferParams) (*processor.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpCreateTransfer); err != nil {
		return nil, err
	}
	if id, ok := c.idem[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		cp := *c.transfers[id]
		return &cp, nil
	}

	t := &processor.Transfer{
		ID:          c.nextID("tr"),
		Amount:      p.Amount,
		Currency:    p.Currency,
		Destination: p.Destination,
		Metadata: map[string]string{
			processor.MetaDeliverableID: p.DeliverableID,
			processor.MetaCampaignID:    p.CampaignID,
			processor.MetaCreatorID:     p.CreatorID,
		},
	}
	c.transfers[t.ID] = t
	if p.IdempotencyKey != "" {
		c.idem[p.IdempotencyKey] = t.ID
	}
	cp := *t
	return &cp, nil
}

func (c *Client) ReverseTransfer(_ context.Context, transferID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpReverseTransfer); err != nil {
		return err
	}
	if _, ok := c.transfers[transferID]; !ok {
		return &processor.Error{Code: "resource_missing", Message: "no such transfer", HTTPStatus: 404}
	}
	c.reversed = append(c.reversed, transferID)
	return nil
}

func (c *Client) CreateAccount(_ context.Context, p processor.CreateAccountParams) (*processor.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpCreateAccount); err != nil {
		return nil, err
	}

	a := &processor.Account{
		ID: c.nextID("acct"),
		Metadata: map[string]string{
			processor.MetaUserID: p.UserID,
			processor.MetaRole:   p.Role,
		},
	}
	c.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (c *Client) GetAccount(_ context.Context, id string) (*processor.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[id]
	if !ok {
		return nil, &processor.Error{Code: "resource_missing", Message: "no such account", HTTPStatus: 404}
	}
	cp := *a
	return &cp, nil
}

func (c *Client) CreateOnboardingLink(_ context.Context, accountID string) (*processor.OnboardingLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(OpCreateOnboarding); err != nil {
		return nil, err
	}
	return &processor.OnboardingLink{
		URL:       fmt.Sprintf("https://connect.mock.local/onboarding/%s/%d", accountID, c.seq),
		ExpiresAt: c.now().Add(5 * time.Minute),
	}, nil
}

func (c *Client) ParseWebhook(payload []byte, signature string) (*processor.Event, error) {
	if err := Verify(c.secret, payload, signature, c.tolerance, c.now()); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode mock event: %w", err)
	}

	kind := processor.EventKind(env.Type)
	switch kind {
	case processor.EventPaymentSucceeded, processor.EventPaymentFailed,
		processor.EventTransferCreated, processor.EventTransferPaid, processor.EventTransferFailed,
		processor.EventAccountUpdated:
	default:
		kind = processor.EventUnknown
	}

	return &processor.Event{
		ID:               env.ID,
		Kind:             kind,
		ProviderType:     env.Type,
		ObjectID:         env.Data.ObjectID,
		Amount:           env.Data.Amount,
		Metadata:         env.Data.Metadata,
		FailureCode:      env.Data.FailureCode,
		FailureMessage:   env.Data.FailureMessage,
		DetailsSubmitted: env.Data.DetailsSubmitted,
		Created:          time.Unix(env.Created, 0),
	}, nil
}

// EncodeEvent renders evt in the mock wire format.
func EncodeEvent(evt processor.Event) ([]byte, error) {
	if evt.Created.IsZero() {
		evt.Created = time.Now()
	}
	return json.Marshal(envelope{
		ID:      evt.ID,
		Type:    string(evt.Kind),
		Created: evt.Created.Unix(),
		Data: eventData{
			ObjectID:         evt.ObjectID,
			Amount:           evt.Amount,
			Metadata:         evt.Metadata,
			FailureCode:      evt.FailureCode,
			FailureMessage:   evt.FailureMessage,
			DetailsSubmitted: evt.DetailsSubmitted,
		},
	})
}

// SignedEvent encodes evt and signs it with the client's secret.
func (c *Client) SignedEvent(evt processor.Event) ([]byte, string, error) {
	payload, err := EncodeEvent(evt)
	if err != nil {
		return nil, "", err
	}
	return payload, Sign(c.secret, payload, c.now()), nil
}

package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/propertypay/internal/gateway"
)

const Provider = "sandbox"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewClient(cfg gateway.Config) (gateway.Client, error) {
	return New(), nil
}

// Client is an in-process gateway for local runs and tests. Sessions are kept
// in memory and creates are idempotent per key.
type Client struct {
	mu       sync.Mutex
	seq      int
	byKey    map[string]*gateway.Session
	byID     map[string]*gateway.Session
	failures []error
	now      func() time.Time

	paymentCreates int
	payoutCreates  int
}

func New() *Client {
	return &Client{
		byKey: map[string]*gateway.Session{},
		byID:  map[string]*gateway.Session{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Name() string { return Provider }

// FailNext queues errors returned by the next create or get calls, in order.
func (c *Client) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

// SetNow overrides the clock used for session timestamps.
func (c *Client) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Client) CreatePaymentSession(ctx context.Context, req gateway.PaymentSessionRequest, idempotencyKey string) (*gateway.Session, error) {
	return c.create("ps", req.Amount, req.Currency, req.Metadata, idempotencyKey, true)
}

func (c *Client) GetPaymentSession(ctx context.Context, id string) (*gateway.Session, error) {
	return c.get("get_payment_session", id)
}

func (c *Client) CreatePayoutSession(ctx context.Context, req gateway.PayoutSessionRequest, idempotencyKey string) (*gateway.Session, error) {
	if strings.TrimSpace(req.Destination.AccountNumber) == "" {
		return nil, &gateway.Error{Op: "create_payout_session", Kind: gateway.KindUnprocessable, StatusCode: 422, RawBody: `{"error":"destination required"}`}
	}
	return c.create("po", req.Amount, req.Currency, req.Metadata, idempotencyKey, false)
}

func (c *Client) GetPayoutSession(ctx context.Context, id string) (*gateway.Session, error) {
	return c.get("get_payout_session", id)
}

func (c *Client) ParseEvent(body []byte) (*gateway.Event, error) {
	return gateway.ParseEnvelope(Provider, body)
}

// SetStatus moves a session to a new provider status, as if the customer or bank acted on it.
func (c *Client) SetStatus(id, status string) (*gateway.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.byID[id]
	if !ok {
		return nil, &gateway.Error{Op: "set_status", Kind: gateway.KindNotFound, StatusCode: 404}
	}
	session.Status = status
	session.UpdatedAt = c.now()
	out := *session
	return &out, nil
}

// Creates returns how many distinct payment and payout sessions were created.
func (c *Client) Creates() (payments int, payouts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paymentCreates, c.payoutCreates
}

func (c *Client) create(prefix string, amount int64, currency string, metadata map[string]string, key string, payment bool) (*gateway.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.popFailure(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, &gateway.Error{Op: "create_session", Kind: gateway.KindUnprocessable, StatusCode: 422, RawBody: `{"error":"amount must be positive"}`}
	}
	if existing, ok := c.byKey[key]; ok && key != "" {
		out := *existing
		return &out, nil
	}

	c.seq++
	now := c.now()
	session := &gateway.Session{
		ID:        fmt.Sprintf("%s_%d", prefix, c.seq),
		Reference: metadata[gateway.MetadataReference],
		Amount:    amount,
		Currency:  strings.ToUpper(currency),
		Status:    gateway.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if payment {
		session.CheckoutURL = "https://sandbox.propertypay.local/checkout/" + session.ID
		c.paymentCreates++
	} else {
		c.payoutCreates++
	}
	if key != "" {
		c.byKey[key] = session
	}
	c.byID[session.ID] = session

	out := *session
	return &out, nil
}

func (c *Client) get(op, id string) (*gateway.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.popFailure(); err != nil {
		return nil, err
	}
	session, ok := c.byID[id]
	if !ok {
		return nil, &gateway.Error{Op: op, Kind: gateway.KindNotFound, StatusCode: 404}
	}
	out := *session
	return &out, nil
}

func (c *Client) popFailure() error {
	if len(c.failures) == 0 {
		return nil
	}
	err := c.failures[0]
	c.failures = c.failures[1:]
	return err
}

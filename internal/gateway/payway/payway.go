package payway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/observability/tracing"
	"go.opentelemetry.io/otel/propagation"
)

const Provider = "payway"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewClient(cfg gateway.Config) (gateway.Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, gateway.ErrInvalidConfig
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, gateway.ErrInvalidConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Client talks to the Payway REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *Client) Name() string { return Provider }

type sessionRequest struct {
	Amount      int64              `json:"amount"`
	Currency    string             `json:"currency"`
	Description string             `json:"description,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	ReturnURL   string             `json:"return_url,omitempty"`
	WebhookURL  string             `json:"webhook_url,omitempty"`
	Destination *destinationRecord `json:"destination,omitempty"`
}

type destinationRecord struct {
	AccountNumber string `json:"account_number"`
	HolderName    string `json:"holder_name"`
	RoutingCode   string `json:"routing_code"`
}

type sessionResponse struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Status      string            `json:"status"`
	CheckoutURL string            `json:"checkout_url"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (c *Client) CreatePaymentSession(ctx context.Context, req gateway.PaymentSessionRequest, idempotencyKey string) (*gateway.Session, error) {
	body := sessionRequest{
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Description: req.Description,
		Metadata:    req.Metadata,
		ReturnURL:   req.ReturnURL,
		WebhookURL:  req.WebhookURL,
	}
	return c.do(ctx, "create_payment_session", http.MethodPost, "/v1/payment_sessions", body, idempotencyKey)
}

func (c *Client) GetPaymentSession(ctx context.Context, id string) (*gateway.Session, error) {
	return c.do(ctx, "get_payment_session", http.MethodGet, "/v1/payment_sessions/"+url.PathEscape(id), nil, "")
}

func (c *Client) CreatePayoutSession(ctx context.Context, req gateway.PayoutSessionRequest, idempotencyKey string) (*gateway.Session, error) {
	body := sessionRequest{
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Description: req.Description,
		Metadata:    req.Metadata,
		WebhookURL:  req.WebhookURL,
		Destination: &destinationRecord{
			AccountNumber: req.Destination.AccountNumber,
			HolderName:    req.Destination.HolderName,
			RoutingCode:   req.Destination.RoutingCode,
		},
	}
	return c.do(ctx, "create_payout_session", http.MethodPost, "/v1/payouts", body, idempotencyKey)
}

func (c *Client) GetPayoutSession(ctx context.Context, id string) (*gateway.Session, error) {
	return c.do(ctx, "get_payout_session", http.MethodGet, "/v1/payouts/"+url.PathEscape(id), nil, "")
}

func (c *Client) ParseEvent(body []byte) (*gateway.Event, error) {
	return gateway.ParseEnvelope(Provider, body)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, idempotencyKey string) (*gateway.Session, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	tracing.InjectContext(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, gateway.FromTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, gateway.FromTransport(op, err)
	}
	if gwErr := gateway.FromStatus(op, resp.StatusCode, raw); gwErr != nil {
		return nil, gwErr
	}

	var out sessionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &gateway.Error{Op: op, Kind: gateway.KindServerError, StatusCode: resp.StatusCode, RawBody: string(raw), Err: err}
	}
	return &gateway.Session{
		ID:          out.ID,
		Reference:   out.Metadata[gateway.MetadataReference],
		Amount:      out.Amount,
		Currency:    strings.ToUpper(out.Currency),
		Status:      normalizeStatus(out.Status),
		CheckoutURL: out.CheckoutURL,
		CreatedAt:   out.CreatedAt.UTC(),
		UpdatedAt:   out.UpdatedAt.UTC(),
	}, nil
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "success", "completed", "captured":
		return gateway.StatusSucceeded
	case "paid", "disbursed":
		return gateway.StatusPaid
	case "failed", "declined", "rejected":
		return gateway.StatusFailed
	case "canceled", "cancelled", "expired":
		return gateway.StatusCanceled
	default:
		return gateway.StatusPending
	}
}

package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/gateway/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetryPolicy(t *testing.T) {
	assert.False(t, gateway.KindBadRequest.Retryable())
	assert.False(t, gateway.KindUnauthorized.Retryable())
	assert.False(t, gateway.KindNotFound.Retryable())
	assert.False(t, gateway.KindUnprocessable.Retryable())
	assert.True(t, gateway.KindServerError.Retryable())
	assert.True(t, gateway.KindTimeout.Retryable())
}

func TestFromStatus(t *testing.T) {
	assert.Nil(t, gateway.FromStatus("op", 201, nil))
	assert.Equal(t, gateway.KindServerError, gateway.FromStatus("op", 429, nil).Kind)
	assert.Equal(t, gateway.KindBadRequest, gateway.FromStatus("op", 409, nil).Kind)
	assert.True(t, gateway.FromStatus("op", 403, nil).NeedsOperator())
	assert.True(t, gateway.IsRetryable(context.DeadlineExceeded))
	assert.False(t, gateway.IsRetryable(errors.New("boom")))
}

func TestParseEnvelope(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment.succeeded","created_at":"2026-03-01T10:00:00Z","data":{"object":{"id":"ps_1","amount":500,"currency":"idr","status":"succeeded","metadata":{"reference_id":"99"},"updated_at":"2026-03-01T09:59:00Z"}}}`)

	event, err := gateway.ParseEnvelope("payway", body)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, gateway.EventPaymentSucceeded, event.Type)
	assert.Equal(t, "ps_1", event.ObjectID)
	assert.Equal(t, "99", event.Reference)
	assert.Equal(t, "IDR", event.Currency)
	assert.Equal(t, int64(500), event.Amount)
	assert.True(t, event.IsPayment())
	assert.Equal(t, time.Date(2026, 3, 1, 9, 59, 0, 0, time.UTC), event.UpdatedAt)
}

func TestParseEnvelopeUnknownTypeIsReturned(t *testing.T) {
	event, err := gateway.ParseEnvelope("payway", []byte(`{"id":"evt_2","type":"refund.created","created_at":"2026-03-01T10:00:00Z","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.False(t, event.Known())
	assert.Equal(t, event.CreatedAt, event.UpdatedAt)
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	_, err := gateway.ParseEnvelope("payway", []byte(`not json`))
	assert.ErrorIs(t, err, gateway.ErrInvalidPayload)

	_, err = gateway.ParseEnvelope("payway", []byte(`{"type":"payment.succeeded"}`))
	assert.ErrorIs(t, err, gateway.ErrInvalidPayload)

	_, err = gateway.ParseEnvelope("payway", []byte(`{"id":"evt","type":"payment.succeeded","data":{"object":{}}}`))
	assert.ErrorIs(t, err, gateway.ErrInvalidPayload)
}

func TestBuildEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	body, err := gateway.BuildEnvelope(gateway.Event{
		ID: "evt_3", Type: gateway.EventPayoutFailed, CreatedAt: at, UpdatedAt: at,
		ObjectID: "po_1", Reference: "12", Status: "failed", FailureReason: "account closed",
	})
	require.NoError(t, err)

	event, err := gateway.ParseEnvelope("sandbox", body)
	require.NoError(t, err)
	assert.Equal(t, "account closed", event.FailureReason)
	assert.True(t, event.IsPayout())
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := gateway.Retry(context.Background(), gateway.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, &gateway.Error{Kind: gateway.KindUnprocessable, StatusCode: 422}
		})
	assert.Equal(t, 1, calls)
	assert.Equal(t, gateway.KindUnprocessable, gateway.KindOf(err))
}

func TestRetryRetriesServerErrors(t *testing.T) {
	calls := 0
	v, err := gateway.Retry(context.Background(), gateway.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, &gateway.Error{Kind: gateway.KindServerError, StatusCode: 502}
			}
			return 7, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)
}

func TestRetryIsBounded(t *testing.T) {
	calls := 0
	_, err := gateway.Retry(context.Background(), gateway.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, &gateway.Error{Kind: gateway.KindTimeout}
		})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryWrapsSandbox(t *testing.T) {
	sb := sandbox.New()
	sb.FailNext(&gateway.Error{Kind: gateway.KindServerError, StatusCode: 500})
	client := gateway.WithRetry(sb, gateway.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond})

	session, err := client.CreatePaymentSession(context.Background(), gateway.PaymentSessionRequest{Amount: 10, Currency: "IDR"}, "payment:1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "sandbox", client.Name())
}

func TestRegistryAndDirectory(t *testing.T) {
	registry := gateway.NewRegistry(sandbox.NewFactory(), nil)
	assert.True(t, registry.ProviderExists(" Sandbox "))
	assert.False(t, registry.ProviderExists("payway"))

	_, err := registry.NewClient("payway", gateway.Config{})
	assert.ErrorIs(t, err, gateway.ErrProviderNotFound)

	client, err := registry.NewClient("sandbox", gateway.Config{})
	require.NoError(t, err)

	dir := gateway.NewDirectory("sandbox")
	dir.Register(client, " secret ")

	got, err := dir.Default()
	require.NoError(t, err)
	assert.Equal(t, "sandbox", got.Name())

	secret, err := dir.Secret("SANDBOX")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), secret)

	_, err = dir.Client("unknown")
	assert.ErrorIs(t, err, gateway.ErrProviderNotFound)
}

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "payment:10", gateway.PaymentKey(10))
	assert.Equal(t, "payment:10:1005000", gateway.RepricedPaymentKey(10, 1_005_000))
	assert.Equal(t, "payout:10:AGENT:2", gateway.PayoutKey(10, "AGENT", 2))
}

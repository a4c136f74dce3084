package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/propertypay/internal/clock"
	"github.com/smallbiznis/propertypay/internal/config"
	contractrepo "github.com/smallbiznis/propertypay/internal/contract/repository"
	contractservice "github.com/smallbiznis/propertypay/internal/contract/service"
	"github.com/smallbiznis/propertypay/internal/dbtest"
	"github.com/smallbiznis/propertypay/internal/gateway"
	"github.com/smallbiznis/propertypay/internal/gateway/sandbox"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/propertypay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/propertypay/internal/payment/service"
	payoutrepo "github.com/smallbiznis/propertypay/internal/payout/repository"
	payoutservice "github.com/smallbiznis/propertypay/internal/payout/service"
	webhookrepo "github.com/smallbiznis/propertypay/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/propertypay/internal/webhook/service"
	"github.com/smallbiznis/propertypay/internal/webhook/signature"
	"github.com/smallbiznis/propertypay/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_http"

var testStart = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	engine   *gin.Engine
	payments paymentdomain.Service
	contract snowflake.ID
	legCount func() int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t)
	node := dbtest.Node(t)
	clk := clock.NewFakeClock(testStart)
	contractID := node.Generate()
	dbtest.InsertContract(t, db, dbtest.ContractFixture{ID: contractID, OwnerID: 10, AgentID: 20, CommissionRate: "0.05"})

	gw := sandbox.New()
	gw.SetNow(clk.Now)
	dir := gateway.NewDirectory(sandbox.Provider)
	dir.Register(gw, testSecret)
	settlement := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	pool := worker.NewPool(config.Config{Worker: config.WorkerConfig{Concurrency: 1, QueueSize: 16}}, zap.NewNop())

	payments := paymentservice.NewService(paymentservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		AppCfg:     config.Config{PublicBaseURL: "https://pay.example.com"},
		Settlement: settlement,
		Clock:      clk,
		Repo:       paymentrepo.Provide(),
		Contracts:  contractrepo.Provide(),
		Gateways:   dir,
	})
	payouts := payoutservice.NewService(payoutservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Settlement: settlement,
		Repo:       payoutrepo.Provide(),
		Payments:   paymentrepo.Provide(),
		Contracts:  contractrepo.Provide(),
		Gateways:   dir,
		Pool:       pool,
	})
	processor := webhookservice.NewProcessor(webhookservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Settlement: settlement,
		Repo:       webhookrepo.Provide(),
		Payments:   payments,
		Payouts:    payouts,
		Contracts:  contractrepo.Provide(),
		Gateways:   dir,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:         engine,
		Cfg:         config.Config{},
		DB:          db,
		Log:         zap.NewNop(),
		ContractSvc: contractservice.NewService(contractservice.Params{DB: db, Log: zap.NewNop(), Repo: contractrepo.Provide(), Clock: clk}),
		PaymentSvc:  payments,
		PayoutSvc:   payouts,
		Webhooks:    processor,
	})

	return &testEnv{
		engine:   engine,
		payments: payments,
		contract: contractID,
		legCount: func() int {
			legs, err := payoutrepo.Provide().ListLegsByContract(context.Background(), db, contractID)
			require.NoError(t, err)
			return len(legs)
		},
	}
}

func (e *testEnv) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) schedule(t *testing.T) paymentdomain.Payment {
	t.Helper()
	items, err := e.payments.Schedule(context.Background(), paymentdomain.ScheduleRequest{
		ContractID: e.contract,
		Kind:       paymentdomain.KindFull,
		Items:      []paymentdomain.ScheduleItem{{Amount: 1_000_000, DueDate: testStart.Add(72 * time.Hour)}},
	})
	require.NoError(t, err)
	return items[0]
}

func succeededBody(t *testing.T, p paymentdomain.Payment, eventID string) []byte {
	t.Helper()
	raw, err := gateway.BuildEnvelope(gateway.Event{
		ID:        eventID,
		Type:      gateway.EventPaymentSucceeded,
		CreatedAt: testStart.Add(time.Hour),
		ObjectID:  "sess_" + p.ID.String(),
		Reference: p.ID.String(),
		Amount:    p.Amount,
		Currency:  p.Currency,
		Status:    gateway.StatusSucceeded,
		UpdatedAt: testStart.Add(time.Hour),
	})
	require.NoError(t, err)
	return raw
}

func signed(body []byte) map[string]string {
	return map[string]string{signature.SignatureHeader: signature.Sign(body, []byte(testSecret))}
}

func TestWebhookDuplicateDeliveryReturnsOK(t *testing.T) {
	env := newTestEnv(t)
	p := env.schedule(t)
	body := succeededBody(t, p, "evt_http_1")

	first := env.do(http.MethodPost, "/webhooks/sandbox", body, signed(body))
	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"status":"ok","outcome":"applied"}`, first.Body.String())
	assert.Equal(t, 2, env.legCount())

	second := env.do(http.MethodPost, "/webhooks/sandbox", body, signed(body))
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"status":"ok","outcome":"duplicate"}`, second.Body.String())
	assert.Equal(t, 2, env.legCount())
}

func TestWebhookTamperedBodyIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	p := env.schedule(t)
	body := succeededBody(t, p, "evt_http_2")
	header := signed(body)
	tampered := bytes.Replace(body, []byte(`"amount":1000000`), []byte(`"amount":1`), 1)

	rec := env.do(http.MethodPost, "/webhooks/sandbox", tampered, header)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	got, err := env.payments.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPending, got.Status)
}

func TestWebhookMissingSignatureIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/webhooks/sandbox", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookMalformedPayloadIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"id":"evt_x"}`)
	rec := env.do(http.MethodPost, "/webhooks/sandbox", body, signed(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookUnknownGatewayIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{}`)
	rec := env.do(http.MethodPost, "/webhooks/acme", body, signed(body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulePaymentsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/contracts/" + env.contract.String() + "/payments"

	body, err := json.Marshal(schedulePaymentsRequest{
		Kind: "installment",
		Items: []scheduleItemRequest{
			{Amount: 500_000, DueDate: testStart.Add(24 * time.Hour)},
			{Amount: 500_000, DueDate: testStart.Add(31 * 24 * time.Hour)},
		},
	})
	require.NoError(t, err)

	rec := env.do(http.MethodPost, path, body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Data []paymentdomain.Payment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, paymentdomain.KindInstallment, resp.Data[0].Kind)

	again := env.do(http.MethodPost, path, body, nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	list := env.do(http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestSchedulePaymentsValidation(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/contracts/" + env.contract.String() + "/payments"

	body := []byte(`{"kind":"FULL","items":[{"amount":0,"due_date":"2026-07-10T00:00:00Z"}]}`)
	rec := env.do(http.MethodPost, path, body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error.Type)
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "amount", resp.Error.Errors[0].Field)

	bad := env.do(http.MethodPost, "/api/contracts/abc/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestGetPaymentNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/payments/12345", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	p := env.schedule(t)

	rec := env.do(http.MethodPost, "/api/payments/"+p.ID.String()+"/session", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, sandbox.Provider, resp.Data["gateway"])
	assert.NotEmpty(t, resp.Data["checkout_url"])
}

func TestRetryPayoutRequiresFailedLeg(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/payouts/12345/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettlementNotFoundBeforePayment(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/contracts/"+env.contract.String()+"/settlement", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMapErrorGatewayFailure(t *testing.T) {
	status, payload := mapError(&gateway.Error{Op: "create_payment_session", Kind: gateway.KindServerError, StatusCode: 503})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "gateway_error", payload.Type)
}

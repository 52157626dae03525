package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	billingreconciler "github.com/smallbiznis/creditledger/internal/billing/reconciler"
	billingrepository "github.com/smallbiznis/creditledger/internal/billing/repository"
	"github.com/smallbiznis/creditledger/internal/billing/webhook"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/creditledger/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditledger/internal/subscription/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSecret       = "whsec_test"
	testServiceToken = "svc_token_test"
)

type testServer struct {
	srv    *Server
	ledger ledgerdomain.Service
	clock  *clock.FakeClock
}

func newTestServer(t *testing.T) testServer {
	return newTestServerWithLimiter(t, nil)
}

func newTestServerWithLimiter(t *testing.T, limiter *ratelimit.RequestLimiter) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.AccountBalance{},
		&ledgerdomain.Transaction{},
		&subscriptiondomain.Subscription{},
		&billingdomain.EventRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	tokenDigest := sha256.Sum256([]byte(testServiceToken))
	cfg := config.Config{
		BillingWebhookSecret:    testSecret,
		BillingWebhookTolerance: 5 * time.Minute,
		ServiceTokens:           []string{hex.EncodeToString(tokenDigest[:])},
	}

	ledgerSvc := ledgerservice.New(ledgerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
		Repo:  ledgerrepository.Provide(),
	})
	subscriptionSvc := subscriptionservice.New(subscriptionservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
		Repo:  subscriptionrepository.Provide(),
	})
	reconciler := billingreconciler.New(billingreconciler.Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           fake,
		LedgerSvc:       ledgerSvc,
		SubscriptionSvc: subscriptionSvc,
		Repo:            billingrepository.Provide(),
		Plans:           config.NewStaticPlanCatalog(config.DefaultPlanConfig()),
	})
	intake := webhook.New(webhook.Params{
		Log:        log,
		Cfg:        cfg,
		Clock:      fake,
		Reconciler: reconciler,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Log:             log,
		LedgerSvc:       ledgerSvc,
		SubscriptionSvc: subscriptionSvc,
		Intake:          intake,
		Limiter:         limiter,
	})

	return testServer{srv: srv, ledger: ledgerSvc, clock: fake}
}

func (ts testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func (ts testServer) signedWebhook(t *testing.T, payload string) *http.Request {
	t.Helper()
	verifier := webhook.NewVerifier(testSecret, 0, ts.clock)
	req := httptest.NewRequest(http.MethodPost, "/billing/events", bytes.NewBufferString(payload))
	req.Header.Set(webhook.SignatureHeader, verifier.Sign([]byte(payload), ts.clock.Now()))
	return req
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	return req
}

func TestWebhookGrantAndDuplicate(t *testing.T) {
	ts := newTestServer(t)

	payload := `{
		"id": "evt_1",
		"type": "payment.succeeded",
		"data": {"object": {
			"id": "pay_1",
			"account_id": "acct_1",
			"metadata": {"package_id": "pack_500"}
		}}
	}`

	rec := ts.do(ts.signedWebhook(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(ts.signedWebhook(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"duplicate":true`)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/balance", nil))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(500), body.Balance)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)

	payload := `{"id": "evt_1", "type": "payment.succeeded", "data": {"object": {"id": "pay_1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/billing/events", bytes.NewBufferString(payload))
	req.Header.Set(webhook.SignatureHeader, "t=1,v1=deadbeef")

	rec := ts.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_signature")
}

func TestSpendAndInsufficientBalance(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.ledger.Grant(ctx, ledgerdomain.GrantInput{
		AccountID: "acct_1",
		Amount:    100,
		Kind:      ledgerdomain.KindPurchase,
	})
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"amount": 60, "description": "render", "idempotency_key": "req_1"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_1/spend", body))
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(-60), resp.Transaction.Delta)
	require.Equal(t, int64(40), resp.Balance)

	body = bytes.NewBufferString(`{"amount": 60}`)
	req = authed(httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_1/spend", body))
	rec = ts.do(req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "insufficient_balance")
}

func TestSpendFailsOpenWhenRedisUnreachable(t *testing.T) {
	limiter, err := ratelimit.NewRequestLimiter(config.Config{
		RateLimit: config.RateLimitConfig{
			Enabled:      true,
			RedisAddr:    "127.0.0.1:1",
			SpendRate:    10,
			SpendBurst:   10,
			WebhookRate:  10,
			WebhookBurst: 10,
		},
	})
	require.NoError(t, err)
	require.True(t, limiter.Enabled())

	ts := newTestServerWithLimiter(t, limiter)
	ctx := context.Background()

	_, err = ts.ledger.Grant(ctx, ledgerdomain.GrantInput{
		AccountID: "acct_1",
		Amount:    100,
		Kind:      ledgerdomain.KindPurchase,
	})
	require.NoError(t, err)

	// Both the token bucket and the per-account spend lock hit redis. With
	// the backend unreachable they must wave the request through rather
	// than turn a ledger write into an infrastructure outage.
	body := bytes.NewBufferString(`{"amount": 40, "description": "render"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_1/spend", body))
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(60), resp.Balance)
}

func TestAccountRoutesRequireServiceToken(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/balance", nil)
	rec := ts.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/balance", nil)
	req.Header.Set("Authorization", "Bearer wrong_token")
	rec = ts.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGrantEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body := bytes.NewBufferString(`{"amount": 250, "kind": "refund", "description": "support refund", "external_reference": "case_81"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_1/grant", body))
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(250), resp.Transaction.Delta)
	require.Equal(t, ledgerdomain.KindRefund, resp.Transaction.Kind)
	require.Equal(t, int64(250), resp.Balance)

	// Replaying the same external reference must not double-credit.
	body = bytes.NewBufferString(`{"amount": 250, "kind": "refund", "external_reference": "case_81"}`)
	req = authed(httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_1/grant", body))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(250), resp.Balance)
}

func TestBalanceUnknownAccountReadsZero(t *testing.T) {
	ts := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_new/balance", nil))
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"balance":0`)
}

func TestGetTransactionEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	txn, err := ts.ledger.Grant(ctx, ledgerdomain.GrantInput{
		AccountID: "acct_1",
		Amount:    100,
		Kind:      ledgerdomain.KindPurchase,
	})
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/transactions/"+txn.ID.String(), nil))
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"delta":100`)

	// Another account cannot read the row through its id.
	req = authed(httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_2/transactions/"+txn.ID.String(), nil))
	rec = ts.do(req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionNullWhenMissing(t *testing.T) {
	ts := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/subscription", nil))
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "null", rec.Body.String())
}

func TestCancelAndReactivateSubscription(t *testing.T) {
	ts := newTestServer(t)

	payload := `{
		"id": "evt_sub_1",
		"type": "subscription.created",
		"data": {"object": {
			"id": "sub_1",
			"account_id": "acct_1",
			"plan_id": "starter",
			"status": "active",
			"current_period_start": 1748736000,
			"current_period_end": 1751328000
		}}
	}`
	rec := ts.do(ts.signedWebhook(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	req := authed(httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_1/subscription/cancel", nil))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cancel_at_period_end":true`)

	req = authed(httptest.NewRequest(http.MethodPost, "/v1/accounts/acct_1/subscription/reactivate", nil))
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cancel_at_period_end":false`)
}

func TestListTransactionsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ts.ledger.Grant(ctx, ledgerdomain.GrantInput{
			AccountID:         "acct_1",
			Amount:            int64(100 + i),
			Kind:              ledgerdomain.KindPurchase,
			ExternalReference: fmt.Sprintf("evt_%d", i),
		})
		require.NoError(t, err)
		ts.clock.Advance(time.Second)
	}

	req := authed(httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/transactions?limit=2", nil))
	rec := ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions []ledgerdomain.Transaction `json:"transactions"`
		NextCursor   string                     `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transactions, 2)
	require.NotEmpty(t, body.NextCursor)
	require.Equal(t, int64(102), body.Transactions[0].Delta)
}

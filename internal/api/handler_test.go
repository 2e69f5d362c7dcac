package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/api"
	"github.com/ayo6706/escrow-settlement/internal/api/middleware"
	"github.com/ayo6706/escrow-settlement/internal/config"
	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/gateway"
	"github.com/ayo6706/escrow-settlement/internal/idempotency"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret   = "test-secret-0123456789-test-secret"
	testJWTIssuer   = "escrow-settlement-test"
	testJWTAudience = "escrow-admin-test"
	testHMACKey     = "whsec-api-test"

	buyerID  int64 = 11
	sellerID int64 = 22
	adminID  int64 = 1
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	middleware.SetJWTSecret(testJWTSecret)
	middleware.SetJWTValidation(testJWTIssuer, testJWTAudience)
	os.Exit(m.Run())
}

type testAPI struct {
	store  *repository.MemoryStore
	router chi.Router
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	store := repository.NewMemoryStore(time.Second)
	guard := idempotency.NewGuard(store.Queries(), nil, time.Hour)
	settler := service.NewSettler(store)
	cfg := &config.Config{
		HTTPPort:           "0",
		JWTSecret:          testJWTSecret,
		JWTIssuer:          testJWTIssuer,
		JWTAudience:        testJWTAudience,
		WebhookHMACKey:     testHMACKey,
		PublicRateLimitRPS: 1000,
		AuthRateLimitRPS:   1000,
	}
	router := api.NewRouter(cfg, zap.NewNop(), api.Services{
		Resolution: service.NewResolutionService(store, settler, guard),
		Sweeps: service.NewSweepService(store, settler, guard, gateway.NewNotificationConfirmer(store.Queries()),
			service.SweepConfig{BatchSize: 10, BatchTimeout: 5 * time.Second}),
		LockedFunds: service.NewLockedFundsService(store, service.LockedFundsConfig{}),
		Cashouts:    service.NewCashoutService(store, gateway.NewMockGateway()),
		Webhooks:    service.NewWebhookService(store, testHMACKey, false),
		Wallets:     store.Queries(),
		DB:          store,
	})
	return &testAPI{store: store, router: router.Routes()}
}

func generateTestToken(userID int64) string {
	return generateTokenWithRole(userID, "user")
}

func generateTokenWithRole(userID int64, role string) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"iss":     testJWTIssuer,
		"aud":     testJWTAudience,
		"sub":     strconv.FormatInt(userID, 10),
		"iat":     now.Unix(),
		"nbf":     now.Add(-30 * time.Second).Unix(),
		"exp":     now.Add(time.Hour).Unix(),
	})
	tokenString, _ := token.SignedString(middleware.JWTSecret())
	return tokenString
}

func adminToken() string {
	return generateTokenWithRole(adminID, middleware.RoleAdmin)
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) seedDisputedEscrow(t *testing.T, id string) int64 {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	accepted := now.Add(-2 * time.Hour)
	e, err := models.RestoreEscrow(models.Escrow{
		ID:               id,
		BuyerID:          buyerID,
		SellerID:         sellerID,
		Amount:           decimal.RequireFromString("100.00"),
		Currency:         "USD",
		BuyerFee:         decimal.RequireFromString("2.00"),
		SellerFee:        decimal.RequireFromString("3.00"),
		FeePolicy:        domain.FeePolicySplit,
		SellerAcceptedAt: &accepted,
		CreatedAt:        now.Add(-24 * time.Hour),
	}, string(domain.EscrowDisputed))
	require.NoError(t, err)
	require.NoError(t, a.store.Queries().CreateEscrow(ctx, e))

	d := models.NewDispute(models.Dispute{
		EscrowID:     id,
		InitiatorID:  buyerID,
		RespondentID: sellerID,
		Reason:       "item never arrived",
		CreatedAt:    now.Add(-time.Hour),
	})
	require.NoError(t, a.store.Queries().CreateDispute(ctx, d))
	return d.ID
}

func (a *testAPI) fundWallet(t *testing.T, userID int64, amount string) {
	t.Helper()
	err := a.store.RunInTx(context.Background(), func(qtx repository.Querier) error {
		_, err := service.CreditWallet(context.Background(), qtx, service.Transfer{
			UserID:       userID,
			Amount:       decimal.RequireFromString(amount),
			Currency:     "USD",
			Type:         "seed",
			OperationKey: "seed:" + uuid.NewString(),
			Leg:          "seed",
			At:           time.Now().UTC().Add(-time.Hour),
		})
		return err
	})
	require.NoError(t, err)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestRFC7807ProblemDetails(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodGet, "/v1/admin/locked-funds", "", nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
	assert.NotEmpty(t, body["title"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, "/v1/admin/locked-funds", body["instance"])
	assert.NotEmpty(t, body["request_id"])
}

func TestAuthRejectsBadTokens(t *testing.T) {
	a := setupAPI(t)

	wrongAudience := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": adminID,
		"role":    middleware.RoleAdmin,
		"iss":     testJWTIssuer,
		"aud":     "someone-else",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	wrongAudienceToken, _ := wrongAudience.SignedString(middleware.JWTSecret())

	mismatchedSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": adminID,
		"role":    middleware.RoleAdmin,
		"iss":     testJWTIssuer,
		"aud":     testJWTAudience,
		"sub":     "999",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	mismatchedToken, _ := mismatchedSubject.SignedString(middleware.JWTSecret())

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "garbage", token: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "wrong audience", token: wrongAudienceToken, want: http.StatusUnauthorized},
		{name: "subject mismatch", token: mismatchedToken, want: http.StatusUnauthorized},
		{name: "non admin", token: generateTestToken(buyerID), want: http.StatusForbidden},
		{name: "admin", token: adminToken(), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodGet, "/v1/admin/locked-funds", tt.token, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestResolveRefund(t *testing.T) {
	a := setupAPI(t)
	disputeID := a.seedDisputedEscrow(t, "esc-api-refund")
	path := "/v1/admin/disputes/" + strconv.FormatInt(disputeID, 10) + "/refund"

	w := a.do(t, http.MethodPost, path, adminToken(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res service.ResolutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "esc-api-refund", res.EscrowID)
	assert.Equal(t, domain.ResolutionRefundedToBuyer, res.ResolutionKind)
	assert.True(t, res.SellerAmount.IsZero())
	require.NotNil(t, res.WinnerID)
	assert.Equal(t, buyerID, *res.WinnerID)

	wallet, err := a.store.Queries().GetWallet(context.Background(), buyerID, "USD")
	require.NoError(t, err)
	assert.True(t, res.BuyerAmount.Equal(wallet.Available))

	again := a.do(t, http.MethodPost, path, adminToken(), nil)
	require.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, string(service.KindInvalidState), decodeBody(t, again)["kind"])
}

func TestResolveSplit(t *testing.T) {
	a := setupAPI(t)
	disputeID := a.seedDisputedEscrow(t, "esc-api-split")
	path := "/v1/admin/disputes/" + strconv.FormatInt(disputeID, 10) + "/split"

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "missing percentages", body: map[string]int{"buyer_pct": 50}, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"buyer_pct":50,"seller_pct":50,"extra":1}`, want: http.StatusBadRequest},
		{name: "does not sum to 100", body: map[string]int{"buyer_pct": 60, "seller_pct": 30}, want: http.StatusBadRequest},
		{name: "valid", body: map[string]int{"buyer_pct": 70, "seller_pct": 30}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, path, adminToken(), tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestResolveUnknownDispute(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodPost, "/v1/admin/disputes/4040/release", adminToken(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(service.KindNotFound), decodeBody(t, w)["kind"])

	bad := a.do(t, http.MethodPost, "/v1/admin/disputes/abc/release", adminToken(), nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestGetDispute(t *testing.T) {
	a := setupAPI(t)
	disputeID := a.seedDisputedEscrow(t, "esc-api-read")

	w := a.do(t, http.MethodGet, "/v1/admin/disputes/"+strconv.FormatInt(disputeID, 10), adminToken(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Dispute map[string]any `json:"dispute"`
		Escrow  map[string]any `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.DisputeStatusOpen, body.Dispute["status"])
	assert.Equal(t, string(domain.EscrowDisputed), body.Escrow["status"])
}

func TestRunSweep(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodPost, "/v1/admin/sweeps/"+service.SweepAutoRelease, adminToken(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary service.SweepSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, service.SweepAutoRelease, summary.Sweep)
	assert.Zero(t, summary.Processed)

	unknown := a.do(t, http.MethodPost, "/v1/admin/sweeps/everything", adminToken(), nil)
	assert.Equal(t, http.StatusNotFound, unknown.Code)

	candidates := a.do(t, http.MethodGet, "/v1/admin/sweeps/"+service.SweepExpiredEscrows+"/candidates", adminToken(), nil)
	require.Equal(t, http.StatusOK, candidates.Code)
	assert.Equal(t, float64(0), decodeBody(t, candidates)["count"])
}

func TestCashoutFlow(t *testing.T) {
	a := setupAPI(t)
	a.fundWallet(t, sellerID, "50.00")
	token := generateTestToken(sellerID)
	path := "/v1/wallets/" + strconv.FormatInt(sellerID, 10) + "/cashouts"
	body := map[string]string{"amount": "20.00", "currency": "usd", "destination": "acct-123"}

	missingKey := a.do(t, http.MethodPost, path, token, body)
	assert.Equal(t, http.StatusBadRequest, missingKey.Code)

	w := a.do(t, http.MethodPost, path, token, body, "Idempotency-Key", "cashout-1")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp service.CashoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "USD", resp.Currency)

	wallet := a.do(t, http.MethodGet, "/v1/wallets/"+strconv.FormatInt(sellerID, 10)+"?currency=USD", token, nil)
	require.Equal(t, http.StatusOK, wallet.Code)
	var balance models.Wallet
	require.NoError(t, json.Unmarshal(wallet.Body.Bytes(), &balance))
	assert.True(t, decimal.RequireFromString("30.00").Equal(balance.Available))
	assert.True(t, decimal.RequireFromString("20.00").Equal(balance.Reserved))

	own := a.do(t, http.MethodGet, "/v1/cashouts/"+resp.OperationID.String(), token, nil)
	assert.Equal(t, http.StatusOK, own.Code)
	other := a.do(t, http.MethodGet, "/v1/cashouts/"+resp.OperationID.String(), generateTestToken(buyerID), nil)
	assert.Equal(t, http.StatusNotFound, other.Code)

	tooMuch := a.do(t, http.MethodPost, path, token,
		map[string]string{"amount": "500.00", "currency": "USD", "destination": "acct-123"},
		"Idempotency-Key", "cashout-2")
	assert.Equal(t, http.StatusUnprocessableEntity, tooMuch.Code, tooMuch.Body.String())
}

func TestCashoutRequiresOwnership(t *testing.T) {
	a := setupAPI(t)
	path := "/v1/wallets/" + strconv.FormatInt(sellerID, 10) + "/cashouts"
	body := map[string]string{"amount": "1.00", "currency": "USD", "destination": "acct"}

	w := a.do(t, http.MethodPost, path, generateTestToken(buyerID), body, "Idempotency-Key", "k")
	assert.Equal(t, http.StatusForbidden, w.Code)

	missing := a.do(t, http.MethodGet, "/v1/wallets/"+strconv.FormatInt(sellerID, 10)+"?currency=USD", adminToken(), nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func signPayload(payload string) string {
	h := hmac.New(sha256.New, []byte(testHMACKey))
	h.Write([]byte(payload))
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func TestDepositWebhook(t *testing.T) {
	a := setupAPI(t)
	e := models.NewEscrow(models.Escrow{
		ID:        "esc-api-deposit",
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    decimal.RequireFromString("10.00"),
		Currency:  "USD",
		FeePolicy: domain.FeePolicySplit,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, a.store.Queries().CreateEscrow(context.Background(), e))
	payload := `{"escrow_id":"esc-api-deposit","amount":"10.00","currency":"USD","reference":"psp-1"}`

	tests := []struct {
		name      string
		payload   string
		signature string
		want      int
	}{
		{name: "bad signature", payload: payload, signature: "sha256=00", want: http.StatusUnauthorized},
		{name: "valid", payload: payload, signature: signPayload(payload), want: http.StatusOK},
		{name: "replay", payload: payload, signature: signPayload(payload), want: http.StatusOK},
		{name: "unknown escrow", payload: `{"escrow_id":"nope","amount":"1.00","currency":"USD","reference":"psp-2"}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.signature
			if sig == "" {
				sig = signPayload(tt.payload)
			}
			w := a.do(t, http.MethodPost, "/v1/webhooks/deposits", "", tt.payload, "X-Webhook-Signature", sig)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	notes, err := a.store.Queries().ListDepositNotificationsByEscrow(context.Background(), "esc-api-deposit")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	a := setupAPI(t)

	live := a.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, live.Code)

	ready := a.do(t, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, ready.Code)
	assert.Equal(t, "ready", decodeBody(t, ready)["status"])

	metrics := a.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.NotEmpty(t, metrics.Header().Get("X-Trace-ID"))
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/infrastructure/database"
	"creditgate/internal/metrics"
	"creditgate/internal/ratelimit"
	"creditgate/internal/service"
	"creditgate/pkg/response"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

type testServer struct {
	router  *gin.Engine
	handler *Handler
	mr      *miniredis.Miniredis
}

func newTestServer(t *testing.T, adminToken string) *testServer {
	t.Helper()
	db, err := database.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), logger.Silent)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	reg := prometheus.NewRegistry()
	observer, err := metrics.NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	ledger := service.NewLedgerService(db, cfg, observer, nil)
	trials := service.NewTrialService(db, cfg, nil)
	referrals, err := service.NewReferralService(db, ledger, cfg, nil)
	require.NoError(t, err)
	limiter, err := ratelimit.NewFromConfig(config.RateLimitConfig{
		Tiers: map[string]config.TierConfig{
			config.TierUser: {MaxRequests: 30, Window: time.Minute},
		},
	}, nil)
	require.NoError(t, err)
	gate := service.NewAdmissionGate(limiter, ledger, trials, cfg.RateLimit, observer, nil)

	h := NewHandler(ledger, trials, referrals, gate, nil, rdb, nil)
	return &testServer{
		router:  SetupRouter(h, RouterOptions{AdminToken: adminToken, Gatherer: reg}),
		handler: h,
		mr:      mr,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && w.Code != http.StatusNotFound {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func TestAdmissionDebitFlow(t *testing.T) {
	s := newTestServer(t, "")

	status, env := s.do(t, http.MethodPost, "/api/v1/admission/check", map[string]any{
		"user_id": 10, "chat_type": "private", "command": "draw",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, response.CodeSuccess, env.Code)
	var decision service.Decision
	require.NoError(t, json.Unmarshal(env.Data, &decision))
	assert.True(t, decision.Allow)
	assert.Equal(t, service.ReasonSignupGrant, decision.Reason)

	_, env = s.do(t, http.MethodPost, "/api/v1/usage/debit", map[string]any{"user_id": 10, "amount": 5})
	assert.Equal(t, response.CodeSuccess, env.Code)

	_, env = s.do(t, http.MethodPost, "/api/v1/usage/debit", map[string]any{"user_id": 10, "amount": 1})
	assert.Equal(t, response.CodeInsufficientCredits, env.Code)
	var debit service.DebitResult
	require.NoError(t, json.Unmarshal(env.Data, &debit))
	assert.Equal(t, service.ReasonInsufficientCredits, debit.Reason)

	_, env = s.do(t, http.MethodPost, "/api/v1/admission/check", map[string]any{
		"user_id": 10, "chat_type": "private",
	})
	require.NoError(t, json.Unmarshal(env.Data, &decision))
	assert.False(t, decision.Allow)
	assert.True(t, decision.ShowPurchaseOptions)
}

func TestAdmissionRejectsBadChatType(t *testing.T) {
	s := newTestServer(t, "")
	_, env := s.do(t, http.MethodPost, "/api/v1/admission/check", map[string]any{"user_id": 1, "chat_type": "channel"})
	assert.Equal(t, response.CodeParamError, env.Code)
}

func TestPaymentCallbackIsIdempotent(t *testing.T) {
	s := newTestServer(t, "")

	_, env := s.do(t, http.MethodPost, "/api/v1/trial/record", map[string]any{"user_id": 5, "group_id": -100})
	require.Equal(t, response.CodeSuccess, env.Code)

	body := map[string]any{"charge_id": "ch_1", "user_id": 5, "credits": 50, "pool": "paid"}
	_, env = s.do(t, http.MethodPost, "/api/v1/payment/callback", body)
	require.Equal(t, response.CodeSuccess, env.Code)
	var first service.CreditResult
	require.NoError(t, json.Unmarshal(env.Data, &first))
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(55), first.NewBalance)

	_, env = s.do(t, http.MethodPost, "/api/v1/payment/callback", body)
	var replay service.CreditResult
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.True(t, replay.Duplicate)

	_, env = s.do(t, http.MethodGet, "/api/v1/account/balance?user_id=5", nil)
	var bal service.Balance
	require.NoError(t, json.Unmarshal(env.Data, &bal))
	assert.Equal(t, int64(50), bal.Paid)
	assert.False(t, s.mr.Exists("credit:lock:charge:ch_1"))

	_, env = s.do(t, http.MethodGet, "/api/v1/trial/stats?group_id=-100", nil)
	var stats map[string]int64
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(1), stats["converted"])
}

func TestPaymentCallbackWhileLocked(t *testing.T) {
	s := newTestServer(t, "")
	require.NoError(t, s.mr.Set("credit:lock:charge:ch_busy", "someone-else"))

	start := time.Now()
	_, env := s.do(t, http.MethodPost, "/api/v1/payment/callback", map[string]any{
		"charge_id": "ch_busy", "user_id": 5, "credits": 50, "pool": "paid",
	})
	assert.Equal(t, response.CodeRequestInProgress, env.Code)
	assert.Greater(t, time.Since(start), time.Second)
}

func TestSubscriptionCallback(t *testing.T) {
	s := newTestServer(t, "")
	expires := time.Now().Add(30 * 24 * time.Hour).UTC()

	_, env := s.do(t, http.MethodPost, "/api/v1/payment/callback", map[string]any{
		"charge_id": "sub_1", "user_id": 8, "credits": 100, "pool": "subscription", "tier": "pro", "expires_at": expires,
	})
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	_, env = s.do(t, http.MethodGet, "/api/v1/account/balance?user_id=8", nil)
	var bal service.Balance
	require.NoError(t, json.Unmarshal(env.Data, &bal))
	assert.Equal(t, int64(100), bal.Subscription)
	assert.Equal(t, "pro", *bal.SubscriptionTier)

	_, env = s.do(t, http.MethodPost, "/api/v1/payment/callback", map[string]any{
		"charge_id": "sub_2", "user_id": 8, "credits": 100, "pool": "subscription",
	})
	assert.Equal(t, response.CodeParamError, env.Code)
}

func TestAdminGrantRequiresToken(t *testing.T) {
	s := newTestServer(t, "secret")
	body := map[string]any{"user_id": 3, "amount": 7, "pool": "paid", "description": "support"}

	status, _ := s.do(t, http.MethodPost, "/api/v1/admin/grant", body)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, env := s.do(t, http.MethodPost, "/api/v1/admin/grant", body, "X-Admin-Token", "secret")
	assert.Equal(t, response.CodeAccountNotFound, env.Code)

	_, env = s.do(t, http.MethodGet, "/api/v1/referral/code?user_id=3", nil)
	require.Equal(t, response.CodeSuccess, env.Code)
	_, env = s.do(t, http.MethodPost, "/api/v1/admission/check", map[string]any{"user_id": 3, "chat_type": "private"})
	require.Equal(t, response.CodeSuccess, env.Code)

	_, env = s.do(t, http.MethodPost, "/api/v1/admin/grant", body, "X-Admin-Token", "secret")
	assert.Equal(t, response.CodeSuccess, env.Code)

	_, env = s.do(t, http.MethodPost, "/api/v1/admin/grant",
		map[string]any{"user_id": 3, "amount": 7, "pool": "gold"}, "X-Admin-Token", "secret")
	assert.Equal(t, response.CodeParamError, env.Code)

	_, env = s.do(t, http.MethodGet, "/api/v1/account/reconcile?user_id=3", nil)
	var report service.ReconcileReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(12), report.Cached.Total)
}

func TestAdminRoutesNotMountedWithoutToken(t *testing.T) {
	s := newTestServer(t, "")

	status, _ := s.do(t, http.MethodPost, "/api/v1/admin/grant",
		map[string]any{"user_id": 3, "amount": 7, "pool": "paid"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/grant",
		map[string]any{"user_id": 3, "amount": 7, "pool": "paid"}, "X-Admin-Token", "")
	assert.Equal(t, http.StatusNotFound, status)
}

type stubRequeuer struct {
	limit int
	n     int
}

func (s *stubRequeuer) RequeueFailed(_ context.Context, limit int) (int, error) {
	s.limit = limit
	return s.n, nil
}

func TestAdminOpsRoutes(t *testing.T) {
	s := newTestServer(t, "secret")
	requeuer := &stubRequeuer{n: 2}
	s.handler.outbox = requeuer

	status, _ := s.do(t, http.MethodPost, "/api/v1/admin/outbox/requeue?limit=5", nil, "X-Admin-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	_, env := s.do(t, http.MethodPost, "/api/v1/admin/outbox/requeue?limit=5", nil, "X-Admin-Token", "secret")
	require.Equal(t, response.CodeSuccess, env.Code)
	assert.Equal(t, 5, requeuer.limit)
	assert.JSONEq(t, `{"requeued":2}`, string(env.Data))

	_, env = s.do(t, http.MethodGet, "/api/v1/referral/code?user_id=1", nil)
	var code struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &code))
	_, env = s.do(t, http.MethodPost, "/api/v1/referral/apply", map[string]any{"code": code.Code, "user_id": 2})
	require.Equal(t, response.CodeSuccess, env.Code)

	_, env = s.do(t, http.MethodGet, "/api/v1/admin/referral?user_id=2", nil, "X-Admin-Token", "secret")
	require.Equal(t, response.CodeSuccess, env.Code)
	var info struct {
		ReferredBy struct {
			ReferrerID int64 `json:"referrer_id"`
		} `json:"referred_by"`
		Milestones []json.RawMessage `json:"milestones"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, int64(1), info.ReferredBy.ReferrerID)
	assert.Empty(t, info.Milestones)
}

func TestReferralEndpoints(t *testing.T) {
	s := newTestServer(t, "")

	_, env := s.do(t, http.MethodGet, "/api/v1/referral/code?user_id=1", nil)
	var code struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &code))
	require.NotEmpty(t, code.Code)

	_, env = s.do(t, http.MethodPost, "/api/v1/referral/apply", map[string]any{"code": code.Code, "user_id": 2})
	assert.Equal(t, response.CodeSuccess, env.Code)

	_, env = s.do(t, http.MethodPost, "/api/v1/referral/apply", map[string]any{"code": code.Code, "user_id": 2})
	assert.Equal(t, response.CodeReferralRejected, env.Code)
	assert.Equal(t, service.ReasonAlreadyReferred, env.Message)

	_, env = s.do(t, http.MethodGet, "/api/v1/account/transactions?user_id=2", nil)
	var page service.HistoryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(2), page.Total)
}

func TestBadQueryAndHealth(t *testing.T) {
	s := newTestServer(t, "")

	_, env := s.do(t, http.MethodGet, "/api/v1/account/balance?user_id=abc", nil)
	assert.Equal(t, response.CodeParamError, env.Code)

	status, _ := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

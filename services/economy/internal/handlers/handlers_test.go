package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/promptmarket/economy/libs/apikey"
	"github.com/promptmarket/economy/services/economy/internal/fingerprint"
	"github.com/promptmarket/economy/services/economy/internal/fraud"
	"github.com/promptmarket/economy/services/economy/internal/ledger"
	"github.com/promptmarket/economy/services/economy/internal/rate"
	"github.com/promptmarket/economy/services/economy/internal/session"
	"github.com/promptmarket/economy/services/economy/internal/storage"
	"github.com/promptmarket/economy/services/testutil"
)

var testSecret = []byte("handlers-test-secret")

const (
	chromeUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

type testEnv struct {
	router   *gin.Engine
	store    *storage.Memory
	ledger   *ledger.Service
	fraud    *fraud.Service
	adminKey string
	now      time.Time
}

func newTestEnv(t *testing.T, limiter rate.Limiter, scopes ...string) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemory()
	fraudSvc := fraud.NewService(store, store, nil, nil, nil)
	ledgerSvc := ledger.NewService(store, fraudSvc, nil, []ledger.Package{
		{ID: "starter", Name: "Starter", Credits: 100, PriceCents: 499},
	}, nil, nil)
	sessionSvc := session.NewService(store, fraudSvc, nil, session.DefaultMaxDevices, nil, nil)

	if len(scopes) == 0 {
		scopes = []string{ScopeFraudRead, ScopeFraudWrite, ScopeCreditsAdjust}
	}
	full, record, err := testutil.GenerateAdminKey("test", scopes...)
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}

	h := New(ledgerSvc, fraudSvc, sessionSvc, limiter, []apikey.Record{record}, nil)
	router := gin.New()
	h.Register(router, testSecret)

	return testEnv{router: router, store: store, ledger: ledgerSvc, fraud: fraudSvc, adminKey: full, now: time.Now()}
}

func (e testEnv) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok, err := testutil.GenerateJWT(userID, testSecret, time.Hour, e.now)
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	return tok
}

func (e testEnv) register(t *testing.T, userID uuid.UUID, ip string, balance int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ledger.OpenAccount(ctx, userID); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if _, err := e.fraud.Initialize(ctx, userID, fingerprint.RequestContext{IP: ip, UserAgent: "seed"}); err != nil {
		t.Fatalf("initialize profile: %v", err)
	}
	if balance > 0 {
		if _, err := e.ledger.Add(ctx, userID, balance, storage.TxBuyCredits, "seed", storage.Metadata{}, nil); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
}

func TestRoutesRequireJWT(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := testutil.MakeAPIRequest(env.router, http.MethodGet, "/credits/balance", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestBalanceAndPackages(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 40)
	tok := env.token(t, testutil.BuyerUserID)

	resp := testutil.MakeAuthRequest(env.router, http.MethodGet, "/credits/balance", nil, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	body, err := testutil.DecodeJSON[struct {
		Balance int64 `json:"balance"`
	}](resp)
	if err != nil || body.Balance != 40 {
		t.Fatalf("unexpected balance response: %s", resp.Body.String())
	}

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/credits/packages/starter/purchase", nil, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	res, err := testutil.DecodeJSON[ledger.Result](resp)
	if err != nil || res.Balance != 140 {
		t.Fatalf("unexpected package response: %s", resp.Body.String())
	}

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/credits/packages/nope/purchase", nil, tok)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestBalanceUnknownAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := testutil.MakeAuthRequest(env.router, http.MethodGet, "/credits/balance", nil, env.token(t, uuid.New()))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)
}

func TestTransferFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 100)
	env.register(t, testutil.SellerUserID, "198.51.100.20", 0)
	tok := env.token(t, testutil.BuyerUserID)

	resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/credits/transfer", map[string]any{
		"to_user_id": testutil.SellerUserID.String(),
		"amount":     30,
	}, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	ctx := context.Background()
	from, _ := env.ledger.Balance(ctx, testutil.BuyerUserID)
	to, _ := env.ledger.Balance(ctx, testutil.SellerUserID)
	if from != 70 || to != 30 {
		t.Fatalf("expected 70/30, got %d/%d", from, to)
	}

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/credits/transfer", map[string]any{
		"to_user_id": testutil.SellerUserID.String(),
		"amount":     500,
	}, tok)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientCredits)

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/credits/transfer", map[string]any{
		"to_user_id": "not-a-uuid",
		"amount":     5,
	}, tok)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestTransferDeniedForFlaggedSender(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 100)
	env.register(t, testutil.SellerUserID, "198.51.100.20", 0)
	if _, err := env.fraud.SetFlag(context.Background(), testutil.BuyerUserID, true, "chargebacks"); err != nil {
		t.Fatalf("flag: %v", err)
	}

	resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/credits/transfer", map[string]any{
		"to_user_id": testutil.SellerUserID.String(),
		"amount":     10,
	}, env.token(t, testutil.BuyerUserID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
	testutil.AssertErrorMessage(t, resp, "sender account is flagged")
}

func TestPurchasePromptAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 100)
	env.register(t, testutil.SellerUserID, "198.51.100.20", 0)
	tok := env.token(t, testutil.BuyerUserID)

	resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/prompts/p-42/purchase", map[string]any{
		"seller_id": testutil.SellerUserID.String(),
		"price":     25,
	}, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/prompts/p-43/purchase", map[string]any{
		"price": 25,
	}, tok)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	testutil.AssertErrorMessage(t, resp, "invalid seller_id")

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/prompts/p-43/purchase", map[string]any{
		"seller_id": testutil.SellerUserID.String(),
		"price":     0,
	}, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusBadRequest)

	resp = testutil.MakeAuthRequest(env.router, http.MethodGet, "/credits/history?type=purchase_prompt", nil, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	page, err := testutil.DecodeJSON[ledger.HistoryPage](resp)
	if err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if page.Total != 1 || len(page.Transactions) != 1 || page.Transactions[0].Description != "Purchased prompt p-42" {
		t.Fatalf("unexpected history: %s", resp.Body.String())
	}

	resp = testutil.MakeAuthRequest(env.router, http.MethodGet, "/credits/history?page=abc", nil, tok)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	resp = testutil.MakeAuthRequest(env.router, http.MethodGet, "/credits/stats", nil, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	stats, err := testutil.DecodeJSON[ledger.Stats](resp)
	if err != nil || stats.Balance != 75 || stats.TransactionCount != 2 {
		t.Fatalf("unexpected stats: %s", resp.Body.String())
	}
}

func TestLoginEvictsBeyondCap(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 0)
	tok := env.token(t, testutil.BuyerUserID)

	agents := []string{chromeUA, firefoxUA, "curl/8.4.0", "Wget/1.21"}
	var first loginResponse
	for i, ua := range agents {
		resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/login", nil, tok, testutil.WithUserAgent(ua))
		testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
		out, err := testutil.DecodeJSON[loginResponse](resp)
		if err != nil || out.SessionToken == "" {
			t.Fatalf("bad login response: %s", resp.Body.String())
		}
		if i == 0 {
			first = out
		}
		if i == 3 && (len(out.EvictedIDs) != 1 || out.EvictedIDs[0] != first.Device.ID.String()) {
			t.Fatalf("expected first device evicted, got %v", out.EvictedIDs)
		}
	}

	resp := testutil.MakeAuthRequest(env.router, http.MethodGet, "/sessions/stats", nil, tok)
	stats, err := testutil.DecodeJSON[session.Stats](resp)
	if err != nil || stats.ActiveDevices != session.DefaultMaxDevices {
		t.Fatalf("unexpected stats: %s", resp.Body.String())
	}

	resp = testutil.MakeAuthRequest(env.router, http.MethodGet, "/sessions/validate", nil, tok,
		testutil.WithHeader(SessionTokenHeader, first.SessionToken))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestReturningLoginAndLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 0)
	tok := env.token(t, testutil.BuyerUserID)

	resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/login", nil, tok, testutil.WithUserAgent(chromeUA))
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/login", nil, tok, testutil.WithUserAgent(chromeUA))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	out, _ := testutil.DecodeJSON[loginResponse](resp)
	if !out.Returning || out.Device.LoginCount != 2 {
		t.Fatalf("expected returning device, got %+v", out)
	}

	resp = testutil.MakeAuthRequest(env.router, http.MethodGet, "/sessions/validate", nil, tok,
		testutil.WithHeader(SessionTokenHeader, out.SessionToken))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/logout", map[string]string{"device_id": out.Device.ID.String()}, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/logout", map[string]string{"device_id": out.Device.ID.String()}, tok)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/logout", map[string]string{"device_id": "x"}, tok)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestLogoutOthersKeepsCurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 0)
	tok := env.token(t, testutil.BuyerUserID)

	for _, ua := range []string{chromeUA, firefoxUA} {
		resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/login", nil, tok, testutil.WithUserAgent(ua))
		testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	}

	resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/logout-others", nil, tok)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	out, err := testutil.DecodeJSON[struct {
		LoggedOut int `json:"logged_out"`
	}](resp)
	if err != nil || out.LoggedOut != 1 {
		t.Fatalf("expected one device logged out, got %s", resp.Body.String())
	}

	resp = testutil.MakeAuthRequest(env.router, http.MethodGet, "/sessions/devices", nil, tok)
	devices, _ := testutil.DecodeJSON[struct {
		Devices []storage.ConnectedDevice `json:"devices"`
	}](resp)
	active := 0
	for _, d := range devices.Devices {
		if d.IsActive {
			active++
			if !d.IsCurrent || !strings.HasPrefix(d.Browser, "Firefox") {
				t.Fatalf("expected the current firefox device to survive, got %+v", d)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected one active device, got %d", active)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, rate.NewMemory(1, time.Minute))
	env.register(t, testutil.BuyerUserID, "203.0.113.10", 0)
	tok := env.token(t, testutil.BuyerUserID)

	resp := testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/login", nil, tok, testutil.WithUserAgent(chromeUA))
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	resp = testutil.MakeAuthRequest(env.router, http.MethodPost, "/sessions/login", nil, tok, testutil.WithUserAgent(chromeUA))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, testutil.SellerUserID, "198.51.100.20", 10)
	base := "/admin/fraud/" + testutil.SellerUserID.String()

	resp := testutil.MakeAPIRequest(env.router, http.MethodGet, base, nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	resp = testutil.MakeAPIRequest(env.router, http.MethodGet, base, nil, testutil.WithHeader(APIKeyHeader, "pk_test_bogus"))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	key := testutil.WithHeader(APIKeyHeader, env.adminKey)
	resp = testutil.MakeAPIRequest(env.router, http.MethodGet, base, nil, key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	report, err := testutil.DecodeJSON[fraud.Report](resp)
	if err != nil || report.Profile == nil || report.Profile.UserID != testutil.SellerUserID {
		t.Fatalf("unexpected report: %s", resp.Body.String())
	}

	resp = testutil.MakeAPIRequest(env.router, http.MethodPost, base+"/flag", map[string]any{"flagged": true, "reason": "manual review"}, key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	profile, _ := env.store.GetProfile(context.Background(), testutil.SellerUserID)
	if !profile.IsFlagged || profile.FlaggedReason != "manual review" {
		t.Fatalf("expected flagged profile, got %+v", profile)
	}

	resp = testutil.MakeAPIRequest(env.router, http.MethodPost, base+"/flag", map[string]any{"reason": "x"}, key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	adjust := "/admin/credits/" + testutil.SellerUserID.String() + "/adjust"
	resp = testutil.MakeAPIRequest(env.router, http.MethodPost, adjust, map[string]any{"amount": -4, "reason": "correction"}, key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	res, _ := testutil.DecodeJSON[ledger.Result](resp)
	if res.Balance != 6 || res.Transaction.Metadata.Admin == nil || res.Transaction.Metadata.Admin.Reason != "correction" {
		t.Fatalf("unexpected adjustment: %s", resp.Body.String())
	}

	resp = testutil.MakeAPIRequest(env.router, http.MethodPost, adjust, map[string]any{"amount": -40, "reason": "too much"}, key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientCredits)

	resp = testutil.MakeAPIRequest(env.router, http.MethodPost, adjust, map[string]any{"amount": 5}, key)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	testutil.AssertErrorMessage(t, resp, "reason required")
}

func TestAdminScopeEnforced(t *testing.T) {
	env := newTestEnv(t, nil, ScopeFraudRead)
	env.register(t, testutil.SellerUserID, "198.51.100.20", 10)

	resp := testutil.MakeAPIRequest(env.router, http.MethodPost,
		"/admin/credits/"+testutil.SellerUserID.String()+"/adjust",
		map[string]any{"amount": 5, "reason": "bonus"},
		testutil.WithHeader(APIKeyHeader, env.adminKey))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = testutil.MakeAPIRequest(env.router, http.MethodGet, "/admin/fraud/not-a-uuid", nil, testutil.WithHeader(APIKeyHeader, env.adminKey))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

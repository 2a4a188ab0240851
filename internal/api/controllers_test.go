package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"krypton-core/internal/account"
	"krypton-core/internal/auth"
	"krypton-core/internal/leaderboard"
	"krypton-core/internal/ledger"
	"krypton-core/internal/payout"
	"krypton-core/internal/pricefeed"
	"krypton-core/internal/push"
	"krypton-core/pkg/config"
	"krypton-core/pkg/db"
	"krypton-core/pkg/market"
)

const testBotToken = "123456:TEST-TOKEN"

type testEnv struct {
	server   *httptest.Server
	client   *http.Client
	database *db.Database
	feed     *pricefeed.Feed
	sessions *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	if err := database.NewStore().UpsertChallengeType(context.Background(), db.ChallengeType{
		ID: "starter-10k", Name: "Starter 10K", AccountSize: 10000, Price: 99,
		ProfitTargetP1: 10, ProfitTargetP2: 5, MaxDailyLossPct: 5, MaxTotalLossPct: 10,
		MinTradingDays: 5, DrawdownType: db.DrawdownTrailing, MaxLeverage: 50,
		ProfitSplitPct: 80, IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertChallengeType: %v", err)
	}

	cfg := &config.Config{
		Port:            "0",
		TrackedSymbols:  []string{"BTCUSDT"},
		JWTSigningKey:   "test-signing-key",
		AccessTTLSeconds: 900,
		RefreshTTLSecs:  3600,
		PriceStaleMs:    5000,
		MinPayoutUSDT:   100,
		RequestTimeoutS: 15,
	}

	feed := pricefeed.New(nil, nil, nil, cfg.TrackedSymbols, cfg.PriceStaleMs)
	locks := account.NewLockManager()
	hub := push.NewHub()
	dispatcher := push.NewDispatcher(hub, nil)
	book := ledger.New(database, feed, locks, dispatcher)
	payouts := payout.New(database, locks, dispatcher, cfg.MinPayoutUSDT)
	boards := leaderboard.New(database, nil)
	sessions := auth.New(database, testBotToken, cfg.JWTSigningKey, cfg.AccessTTLSeconds, cfg.RefreshTTLSecs)

	server := NewServer(cfg, database, feed, book, payouts, boards, sessions, hub, nil)
	httpServer := httptest.NewServer(server.Router)

	t.Cleanup(func() {
		httpServer.Close()
		_ = database.Close()
	})

	return &testEnv{
		server:   httpServer,
		client:   httpServer.Client(),
		database: database,
		feed:     feed,
		sessions: sessions,
	}
}

func signInitData(telegramID int64, firstName string) string {
	fields := map[string]string{
		"auth_date": fmt.Sprintf("%d", time.Now().Unix()),
		"query_id":  "AAE1",
		"user":      fmt.Sprintf(`{"id":%d,"first_name":%q}`, telegramID, firstName),
	}

	pairs := make([]string, 0, len(fields))
	for k, v := range fields {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)

	keyMac := hmac.New(sha256.New, []byte("WebAppData"))
	keyMac.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, keyMac.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}

// doJSON issues a request and decodes the envelope's data into out.
func (e *testEnv) doJSON(t *testing.T, method, path, token string, payload, out any) (int, string) {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return res.StatusCode, env.Message
}

func (e *testEnv) login(t *testing.T, telegramID int64, name string) *auth.TokenPair {
	t.Helper()
	var pair auth.TokenPair
	status, msg := e.doJSON(t, http.MethodPost, "/api/v1/auth/telegram", "",
		map[string]string{"init_data": signInitData(telegramID, name)}, &pair)
	if status != http.StatusOK {
		t.Fatalf("auth status %d: %s", status, msg)
	}
	return &pair
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	pair := e.login(t, 9999, "Admin")
	if err := e.database.NewStore().UpdateUserRole(context.Background(), pair.UserID, db.RoleAdmin); err != nil {
		t.Fatalf("UpdateUserRole: %v", err)
	}
	// Re-authenticate so the access token carries the admin role.
	return e.login(t, 9999, "Admin").AccessToken
}

func (e *testEnv) price(symbol string, price float64) {
	e.feed.Apply(market.PricePoint{Symbol: symbol, Price: price, Timestamp: time.Now().UnixMilli()})
}

func TestAuthAndRefreshFlow(t *testing.T) {
	env := newTestEnv(t)

	pair := env.login(t, 4242, "Alice")
	if !pair.IsNew || pair.Role != db.RoleTrader {
		t.Fatalf("pair = %+v", pair)
	}

	var next auth.TokenPair
	status, msg := env.doJSON(t, http.MethodPost, "/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": pair.RefreshToken}, &next)
	if status != http.StatusOK {
		t.Fatalf("refresh status %d: %s", status, msg)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}

	// Garbage init data is rejected.
	status, _ = env.doJSON(t, http.MethodPost, "/api/v1/auth/telegram", "",
		map[string]string{"init_data": "hash=abc&auth_date=1"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad init data status = %d", status)
	}

	// Protected routes require a token.
	status, _ = env.doJSON(t, http.MethodGet, "/api/v1/challenges/my", "", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", status)
	}
}

func TestPurchaseAndTradeFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, 4242, "Alice").AccessToken
	env.price("BTCUSDT", 50000)

	// Catalog is visible.
	var catalog []map[string]any
	if status, _ := env.doJSON(t, http.MethodGet, "/api/v1/challenges", token, nil, &catalog); status != http.StatusOK || len(catalog) != 1 {
		t.Fatalf("catalog status=%d len=%d", status, len(catalog))
	}

	// Purchase a challenge.
	var challenge map[string]any
	status, msg := env.doJSON(t, http.MethodPost, "/api/v1/challenges/purchase", token,
		map[string]string{"challenge_type_id": "starter-10k"}, &challenge)
	if status != http.StatusCreated {
		t.Fatalf("purchase status %d: %s", status, msg)
	}
	challengeID := challenge["id"].(string)

	// A second active purchase conflicts.
	status, _ = env.doJSON(t, http.MethodPost, "/api/v1/challenges/purchase", token,
		map[string]string{"challenge_type_id": "starter-10k"}, nil)
	if status != http.StatusConflict {
		t.Fatalf("double purchase status = %d", status)
	}

	// Open a position.
	var opened map[string]any
	status, msg = env.doJSON(t, http.MethodPost, "/api/v1/trading/order", token, map[string]any{
		"challenge_id": challengeID,
		"symbol":       "BTCUSDT",
		"side":         "long",
		"qty":          0.1,
		"leverage":     10,
		"take_profit":  52000.0,
		"stop_loss":    49500.0,
	}, &opened)
	if status != http.StatusCreated {
		t.Fatalf("open order status %d: %s", status, msg)
	}
	positionID := opened["id"].(string)

	var positions []map[string]any
	status, _ = env.doJSON(t, http.MethodGet, "/api/v1/trading/positions?challenge_id="+challengeID, token, nil, &positions)
	if status != http.StatusOK || len(positions) != 1 {
		t.Fatalf("positions status=%d len=%d", status, len(positions))
	}

	// Close it manually.
	var closed map[string]any
	status, msg = env.doJSON(t, http.MethodDelete, "/api/v1/trading/order/"+positionID, token, nil, &closed)
	if status != http.StatusOK {
		t.Fatalf("close order status %d: %s", status, msg)
	}
	if closed["close_reason"].(string) != db.CloseManual {
		t.Fatalf("close reason = %v", closed["close_reason"])
	}

	// History shows the closed trade.
	var history map[string]any
	status, _ = env.doJSON(t, http.MethodGet, "/api/v1/trading/history?challenge_id="+challengeID, token, nil, &history)
	if status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	if items := history["items"].([]any); len(items) != 1 {
		t.Fatalf("history items = %d", len(items))
	}

	// Dashboard composite reflects the flat account.
	var dashboard map[string]any
	status, _ = env.doJSON(t, http.MethodGet, "/api/v1/stats/dashboard?challenge_id="+challengeID, token, nil, &dashboard)
	if status != http.StatusOK {
		t.Fatalf("dashboard status = %d", status)
	}
	if eq := dashboard["equity"].(float64); eq != 10000 {
		t.Fatalf("equity = %v", eq)
	}

	// Another user cannot see this challenge.
	otherToken := env.login(t, 5151, "Mallory").AccessToken
	status, _ = env.doJSON(t, http.MethodGet, "/api/v1/challenges/"+challengeID, otherToken, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign challenge status = %d", status)
	}
}

func TestOrderRejectedWithoutPrice(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, 4242, "Alice").AccessToken

	var challenge map[string]any
	if status, _ := env.doJSON(t, http.MethodPost, "/api/v1/challenges/purchase", token,
		map[string]string{"challenge_type_id": "starter-10k"}, &challenge); status != http.StatusCreated {
		t.Fatalf("purchase status = %d", status)
	}

	// No price was ever seeded: Unavailable.
	status, _ := env.doJSON(t, http.MethodPost, "/api/v1/trading/order", token, map[string]any{
		"challenge_id": challenge["id"].(string),
		"symbol":       "BTCUSDT",
		"side":         "long",
		"qty":          0.1,
		"leverage":     10,
	}, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
}

func TestAdminPayoutFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	store := env.database.NewStore()

	userToken := env.login(t, 4242, "Alice")
	adminToken := env.adminToken(t)

	// Promote the user's challenge to funded with realized profit.
	var challenge map[string]any
	if status, _ := env.doJSON(t, http.MethodPost, "/api/v1/challenges/purchase", userToken.AccessToken,
		map[string]string{"challenge_type_id": "starter-10k"}, &challenge); status != http.StatusCreated {
		t.Fatalf("purchase failed")
	}
	challengeID := challenge["id"].(string)

	c, _ := store.GetChallenge(ctx, challengeID)
	c.Status = db.StatusFunded
	c.AccountMode = db.ModeFunded
	c.CurrentBalance = 12000
	c.TotalPnLRealized = 2000
	if err := store.UpdateChallenge(ctx, c); err != nil {
		t.Fatalf("UpdateChallenge: %v", err)
	}

	// Availability: 2000 * 80% = 1600.
	var avail map[string]any
	status, _ := env.doJSON(t, http.MethodGet, "/api/v1/payouts/available?challenge_id="+challengeID, userToken.AccessToken, nil, &avail)
	if status != http.StatusOK || avail["available_amount"].(float64) != 1600 {
		t.Fatalf("available = %v (status %d)", avail["available_amount"], status)
	}

	var payoutRes map[string]any
	status, msg := env.doJSON(t, http.MethodPost, "/api/v1/payouts/request", userToken.AccessToken, map[string]any{
		"challenge_id":   challengeID,
		"amount":         500.0,
		"wallet_address": "TAbcdefghij1234567890",
		"network":        "TRC20",
	}, &payoutRes)
	if status != http.StatusCreated {
		t.Fatalf("request payout status %d: %s", status, msg)
	}
	payoutID := payoutRes["id"].(string)

	// Non-admin cannot approve.
	status, _ = env.doJSON(t, http.MethodPost, "/api/v1/admin/payouts/"+payoutID+"/approve", userToken.AccessToken, nil, nil)
	if status != http.StatusForbidden {
		t.Fatalf("non-admin approve status = %d", status)
	}

	status, _ = env.doJSON(t, http.MethodPost, "/api/v1/admin/payouts/"+payoutID+"/approve", adminToken, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("admin approve status = %d", status)
	}

	var sent map[string]any
	status, _ = env.doJSON(t, http.MethodPost, "/api/v1/admin/payouts/"+payoutID+"/sent", adminToken,
		map[string]string{"tx_hash": "0xdeadbeef"}, &sent)
	if status != http.StatusOK || sent["tx_hash"].(string) != "0xdeadbeef" {
		t.Fatalf("mark sent status=%d payload=%v", status, sent)
	}

	// Overview counts the funded challenge and the paid amount.
	var overview map[string]any
	status, _ = env.doJSON(t, http.MethodGet, "/api/v1/admin/stats/overview", adminToken, nil, &overview)
	if status != http.StatusOK || overview["paid_out_total"].(float64) != 500 {
		t.Fatalf("overview = %v (status %d)", overview, status)
	}
}

func TestLeaderboardPublic(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.doJSON(t, http.MethodGet, "/api/v1/leaderboard/monthly", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("monthly leaderboard status = %d", status)
	}
	status, _ = env.doJSON(t, http.MethodGet, "/api/v1/leaderboard/alltime", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("alltime leaderboard status = %d", status)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.client.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

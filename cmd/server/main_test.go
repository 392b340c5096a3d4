package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/carquote-api/internal/config"
	"github.com/ksred/carquote-api/internal/database"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/testutil"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	t      *testing.T
	app    *application
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{
		Env:                 "test",
		JWTSecret:           "test-secret",
		OpportunityWindow:   24 * time.Hour,
		ExpirySweepInterval: time.Minute,
		OutboxPollInterval:  time.Second,
		Broker:              config.BrokerMemory,
		NotifyMaxRetries:    1,
		DealerCacheSize:     16,
	}
	app, err := newApplication(cfg, db, feed.NewMemoryBroker(16))
	require.NoError(t, err)

	router := gin.New()
	setupRoutes(router, app)
	return &testServer{t: t, app: app, router: router}
}

func (s *testServer) token(id string, role types.Role) string {
	tok, err := s.app.authService.IssueToken(types.Principal{ID: id, Role: role})
	require.NoError(s.t, err)
	return tok.Token
}

func (s *testServer) do(method, path, token string, body interface{}) (int, envelope) {
	s.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodGet, "/api/v1/quotes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	code, _ = s.do(http.MethodGet, "/api/v1/quotes", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Dealers cannot create quotes
	code, env = s.do(http.MethodPost, "/api/v1/quotes", s.token("dealer-a", types.RoleDealer), map[string]interface{}{})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}

func TestTokenExchange(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"api_key":    "buyer-test-key",
		"api_secret": "buyer-test-secret",
	})
	require.Equal(t, http.StatusCreated, code)

	var tok struct {
		Token string `json:"jwt_token"`
	}
	decode(t, env, &tok)

	code, _ = s.do(http.MethodGet, "/api/v1/quotes", tok.Token, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCreateQuote_InvalidCarDetails(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodPost, "/api/v1/quotes", s.token("buyer-1", types.RoleBuyer), map[string]interface{}{
		"car_details": map[string]interface{}{"year": "soon", "make": "Toyota", "model": "Camry"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INVALID_CAR_DETAILS", env.Error.Code)
}

func TestMarketplaceFlow(t *testing.T) {
	s := newTestServer(t)
	admin := s.token("admin", types.RoleAdmin)
	buyer := s.token("buyer-1", types.RoleBuyer)
	dealerA := s.token("dealer-a", types.RoleDealer)
	dealerB := s.token("dealer-b", types.RoleDealer)

	code, _ := s.do(http.MethodPut, "/api/v1/dealers/dealer-a", admin, map[string]interface{}{"name": "A Motors", "subscription_type": "basic"})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodPut, "/api/v1/dealers/dealer-b", admin, map[string]interface{}{"name": "B Motors", "subscription_type": "premium"})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodPut, "/api/v1/dealers/dealer-c", buyer, map[string]interface{}{"name": "C Motors"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env := s.do(http.MethodPost, "/api/v1/quotes", buyer, map[string]interface{}{
		"car_details":  map[string]interface{}{"year": 2024, "make": "Toyota", "model": "Camry"},
		"has_trade_in": true,
	})
	require.Equal(t, http.StatusCreated, code)
	var quote struct {
		QuoteID string `json:"quote_id"`
		Status  string `json:"status"`
	}
	decode(t, env, &quote)
	assert.Equal(t, "pending", quote.Status)
	base := "/api/v1/quotes/" + quote.QuoteID

	code, env = s.do(http.MethodGet, "/api/v1/opportunities", dealerA, nil)
	require.Equal(t, http.StatusOK, code)
	var opportunities []struct {
		QuoteID string `json:"quote_id"`
	}
	decode(t, env, &opportunities)
	require.Len(t, opportunities, 1)
	assert.Equal(t, quote.QuoteID, opportunities[0].QuoteID)

	code, env = s.do(http.MethodPost, base+"/bids", dealerA, map[string]interface{}{"price": 20000, "trade_in_value": 4000})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "TRADE_IN_FIELDS_NOT_ALLOWED", env.Error.Code)

	code, env = s.do(http.MethodPost, base+"/bids", dealerA, map[string]interface{}{"price": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INVALID_PRICE", env.Error.Code)

	code, _ = s.do(http.MethodPost, base+"/bids", dealerA, map[string]interface{}{"price": 20000})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, base+"/bids", dealerB, map[string]interface{}{"price": 19500, "trade_in_value": 5000})
	require.Equal(t, http.StatusCreated, code)

	type view struct {
		Bids []struct {
			DealerID string  `json:"dealer_id"`
			Price    float64 `json:"price"`
		} `json:"bids"`
	}
	var buyerView, dealerView view
	code, env = s.do(http.MethodGet, base, buyer, nil)
	require.Equal(t, http.StatusOK, code)
	decode(t, env, &buyerView)
	require.Len(t, buyerView.Bids, 2)
	assert.Equal(t, "dealer-b", buyerView.Bids[0].DealerID)

	code, env = s.do(http.MethodGet, base, dealerA, nil)
	require.Equal(t, http.StatusOK, code)
	decode(t, env, &dealerView)
	require.Len(t, dealerView.Bids, 1)
	assert.Equal(t, "dealer-a", dealerView.Bids[0].DealerID)

	code, env = s.do(http.MethodPost, base+"/messages", dealerB, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "CHAT_NOT_UNLOCKED", env.Error.Code)

	code, _ = s.do(http.MethodPost, base+"/bids/dealer-b/accept", buyer, nil)
	require.Equal(t, http.StatusCreated, code)
	code, env = s.do(http.MethodPost, base+"/bids/dealer-a/accept", buyer, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_ACCEPTED", env.Error.Code)

	code, _ = s.do(http.MethodPost, base+"/messages", dealerB, map[string]string{"content": "Thanks! When can you visit?"})
	assert.Equal(t, http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, base+"/messages", dealerA, map[string]string{"content": "I can go lower"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(http.MethodGet, base+"/messages", buyer, nil)
	require.Equal(t, http.StatusOK, code)
	var messages []struct {
		Content string `json:"content"`
	}
	decode(t, env, &messages)
	require.Len(t, messages, 1)

	// Relay the outbox so the ledger catches up
	_, err := s.app.dispatcher.Drain(context.Background())
	require.NoError(t, err)

	code, env = s.do(http.MethodGet, "/api/v1/notifications", dealerB, nil)
	require.Equal(t, http.StatusOK, code)
	var summary struct {
		Total  int            `json:"total"`
		ByKind map[string]int `json:"by_kind"`
	}
	decode(t, env, &summary)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.ByKind["acceptance"])
	assert.Equal(t, 1, summary.ByKind["new_opportunity"])

	code, env = s.do(http.MethodPost, "/api/v1/notifications/all/read", dealerB, nil)
	require.Equal(t, http.StatusCreated, code)
	decode(t, env, &summary)
	assert.Zero(t, summary.Total)

	code, env = s.do(http.MethodGet, "/api/v1/dealers/me/stats", dealerB, nil)
	require.Equal(t, http.StatusOK, code)
	var stats struct {
		Responded int64 `json:"responded"`
		Accepted  int64 `json:"accepted"`
	}
	decode(t, env, &stats)
	assert.Equal(t, int64(1), stats.Responded)
	assert.Equal(t, int64(1), stats.Accepted)

	code, env = s.do(http.MethodPost, base+"/complete", buyer, nil)
	require.Equal(t, http.StatusCreated, code)
	decode(t, env, &quote)
	assert.Equal(t, "completed", quote.Status)
}

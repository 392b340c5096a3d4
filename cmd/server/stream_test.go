package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	name string
	data string
}

// openMarket registers dealers a and b for every segment plus dealer c for BMW only,
// then opens a Toyota quote for buyer-1. It returns the quote's API path.
func (s *testServer) openMarket() string {
	s.t.Helper()
	admin := s.token("admin", types.RoleAdmin)

	for _, dealer := range []string{"dealer-a", "dealer-b"} {
		code, _ := s.do(http.MethodPut, "/api/v1/dealers/"+dealer, admin, map[string]interface{}{"name": dealer})
		require.Equal(s.t, http.StatusOK, code)
	}
	code, _ := s.do(http.MethodPut, "/api/v1/dealers/dealer-c", admin, map[string]interface{}{"name": "dealer-c", "brands": []string{"BMW"}})
	require.Equal(s.t, http.StatusOK, code)

	code, env := s.do(http.MethodPost, "/api/v1/quotes", s.token("buyer-1", types.RoleBuyer), map[string]interface{}{
		"car_details": map[string]interface{}{"year": 2024, "make": "Toyota", "model": "Camry"},
	})
	require.Equal(s.t, http.StatusCreated, code)
	var quote struct {
		QuoteID string `json:"quote_id"`
	}
	decode(s.t, env, &quote)

	s.drain()
	return "/api/v1/quotes/" + quote.QuoteID
}

// settle has dealer-b then dealer-a bid and the buyer accept dealer-a
func (s *testServer) settle(base string) {
	s.t.Helper()
	code, _ := s.do(http.MethodPost, base+"/bids", s.token("dealer-b", types.RoleDealer), map[string]interface{}{"price": 19500})
	require.Equal(s.t, http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, base+"/bids", s.token("dealer-a", types.RoleDealer), map[string]interface{}{"price": 20000})
	require.Equal(s.t, http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, base+"/bids/dealer-a/accept", s.token("buyer-1", types.RoleBuyer), nil)
	require.Equal(s.t, http.StatusCreated, code)
	s.drain()
}

func (s *testServer) drain() {
	s.t.Helper()
	_, err := s.app.dispatcher.Drain(context.Background())
	require.NoError(s.t, err)
}

// live serves the router on a real listener. Streams end when the test does.
func (s *testServer) live() (*httptest.Server, context.Context) {
	srv := httptest.NewServer(s.router)
	s.t.Cleanup(srv.Close)
	ctx, cancel := context.WithCancel(context.Background())
	s.t.Cleanup(cancel)
	return srv, ctx
}

func openSSE(t *testing.T, ctx context.Context, url string) <-chan sseEvent {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		var ev sseEvent
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && ev.name != "":
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				ev = sseEvent{}
			}
		}
	}()

	ready := nextSSE(t, events)
	require.Equal(t, "ready", ready.name)
	return events
}

func nextSSE(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return sseEvent{}
	}
}

func assertNoSSE(t *testing.T, events <-chan sseEvent) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected stream event %s", ev.name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestQuoteStream_SealedDelivery(t *testing.T) {
	s := newTestServer(t)
	base := s.openMarket()
	srv, ctx := s.live()

	// Not invited and not eligible for the quote's make
	code, env := s.do(http.MethodGet, base+"/stream", s.token("dealer-c", types.RoleDealer), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	code, _ = s.do(http.MethodGet, base+"/stream", s.token("buyer-2", types.RoleBuyer), nil)
	assert.Equal(t, http.StatusForbidden, code)

	winner := openSSE(t, ctx, srv.URL+base+"/stream?access_token="+s.token("dealer-a", types.RoleDealer))
	loser := openSSE(t, ctx, srv.URL+base+"/stream?access_token="+s.token("dealer-b", types.RoleDealer))
	inbox := openSSE(t, ctx, srv.URL+"/api/v1/me/stream?access_token="+s.token("buyer-1", types.RoleBuyer))

	s.settle(base)

	// Dealer b's bid was committed first; the winner's first event is the acceptance
	ev := nextSSE(t, winner)
	require.Equal(t, string(feed.KindBidAccepted), ev.name)
	var accepted struct {
		Kind     string          `json:"kind"`
		Audience json.RawMessage `json:"audience"`
		Payload  struct {
			DealerID string  `json:"dealer_id"`
			Price    float64 `json:"price"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.data), &accepted))
	assert.Equal(t, "dealer-a", accepted.Payload.DealerID)
	assert.Equal(t, 20000.0, accepted.Payload.Price)
	assert.Nil(t, accepted.Audience)
	assertNoSSE(t, winner)

	assertNoSSE(t, loser)

	var kinds []string
	for i := 0; i < 3; i++ {
		kinds = append(kinds, nextSSE(t, inbox).name)
	}
	assert.Equal(t, []string{"bid_submitted", "bid_submitted", "bid_accepted"}, kinds)
}

func TestQuoteWebSocket(t *testing.T) {
	s := newTestServer(t)
	base := s.openMarket()
	srv, _ := s.live()
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http") + base + "/ws?access_token="

	_, resp, err := websocket.DefaultDialer.Dial(wsBase+s.token("dealer-c", types.RoleDealer), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	winner, _, err := websocket.DefaultDialer.Dial(wsBase+s.token("dealer-a", types.RoleDealer), nil)
	require.NoError(t, err)
	defer winner.Close()
	loser, _, err := websocket.DefaultDialer.Dial(wsBase+s.token("dealer-b", types.RoleDealer), nil)
	require.NoError(t, err)
	defer loser.Close()

	s.settle(base)

	require.NoError(t, winner.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := winner.ReadMessage()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "audience")
	var ev feed.PublicEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, feed.KindBidAccepted, ev.Kind)
	assert.Equal(t, strings.TrimPrefix(base, "/api/v1/quotes/"), ev.QuoteID)

	require.NoError(t, loser.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = loser.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

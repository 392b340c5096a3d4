package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/carquote-api/internal/auth"
	"github.com/ksred/carquote-api/internal/bidding"
	"github.com/ksred/carquote-api/internal/chat"
	"github.com/ksred/carquote-api/internal/config"
	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/notifications"
	"github.com/ksred/carquote-api/internal/quotes"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minQuotes  = 10
	maxQuotes  = 60
	numBuyers  = 5
	numDealers = 6
)

var catalog = map[string][]string{
	"Toyota": {"Camry", "Corolla", "RAV4"},
	"Honda":  {"Civic", "Accord", "CR-V"},
	"Ford":   {"F-150", "Mustang", "Escape"},
	"BMW":    {"3 Series", "X3", "X5"},
	"Tesla":  {"Model 3", "Model Y"},
}

var errRateLimited = errors.New("rate limited")

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the marketplace API on behalf of many principals. Tokens are
// minted locally with the server's JWT secret, standing in for the identity provider.
type simulationClient struct {
	baseURL string
	tokens  *auth.Service
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL, jwtSecret string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		tokens:  auth.NewService(jwtSecret),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"dealer":        {name: "Upsert Dealer"},
			"create":        {name: "Create Quote"},
			"opportunities": {name: "Opportunities"},
			"bid":           {name: "Submit Bid"},
			"get":           {name: "Get Quote"},
			"accept":        {name: "Accept Bid"},
			"message":       {name: "Post Message"},
			"complete":      {name: "Complete Quote"},
			"notifications": {name: "Notifications"},
			"stats":         {name: "Dealer Stats"},
		},
	}
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(d)
	if failed {
		rs.failures++
	}
}

// do sends one authenticated request and decodes the envelope's data into out.
// Rate limited requests are retried with backoff.
func (sc *simulationClient) do(ctx context.Context, route string, principal types.Principal, method, path string, body, out interface{}) error {
	token, err := sc.tokens.IssueToken(principal)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	// One key for every attempt so a retried create is not duplicated
	idempotencyKey := uuid.NewString()

	return retry.WithRetries(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := sc.send(ctx, token.Token, method, path, idempotencyKey, payload, out)
		sc.record(route, time.Since(start), err != nil)
		return err
	}, 5, 250*time.Millisecond, func(err error) bool {
		return errors.Is(err, errRateLimited)
	})
}

func (sc *simulationClient) send(ctx context.Context, token, method, path, idempotencyKey string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode == http.StatusTooManyRequests {
		return errRateLimited
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	result := struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simulationStats collects marketplace outcomes across workers
type simulationStats struct {
	mu sync.Mutex

	QuotesCreated    int
	BidsSubmitted    int
	TradeInBids      int
	BidsRejected     int
	Accepted         int
	Completed        int
	MessagesPosted   int
	FailedOperations int
	AcceptedValue    float64
	Makes            map[string]int
}

func (s *simulationStats) add(f func(s *simulationStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

func simDealer(i int) types.Principal {
	return types.Principal{ID: fmt.Sprintf("sim-dealer-%d", i), Role: types.RoleDealer}
}

func simBuyer(i int) types.Principal {
	return types.Principal{ID: fmt.Sprintf("sim-buyer-%d", i), Role: types.RoleBuyer}
}

// main runs the marketplace simulation against a running API server
// Buyers post quotes, dealers bid on their opportunities, buyers accept the
// lowest bid, chat with the winner and complete the deal
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	baseURL := os.Getenv("SIM_SERVER_ADDR")
	if baseURL == "" {
		baseURL = "http://localhost:" + cfg.Port
	}

	ctx := context.Background()
	sc := newSimulationClient(baseURL, cfg.JWTSecret)
	stats := &simulationStats{Makes: make(map[string]int)}
	startTime := time.Now()

	// Register dealers; every other dealer is premium and the last one only sells BMW
	admin := types.Principal{ID: "sim-admin", Role: types.RoleAdmin}
	premium := make(map[string]bool, numDealers)
	for i := 0; i < numDealers; i++ {
		dealer := simDealer(i)
		profile := map[string]interface{}{
			"name":              fmt.Sprintf("Sim Motors %d", i),
			"subscription_type": dealers.SubscriptionBasic,
		}
		if i%2 == 1 {
			profile["subscription_type"] = dealers.SubscriptionPremium
			premium[dealer.ID] = true
		}
		if i == numDealers-1 {
			profile["brands"] = []string{"BMW"}
		}
		if err := sc.do(ctx, "dealer", admin, http.MethodPut, "/api/v1/dealers/"+dealer.ID, profile, nil); err != nil {
			log.Fatal().Err(err).Str("dealer_id", dealer.ID).Msg("Failed to register dealer")
		}
	}

	targetQuotes := rand.Intn(maxQuotes-minQuotes) + minQuotes
	log.Info().Int("target_quotes", targetQuotes).Int("dealers", numDealers).Msg("Starting simulation")

	// Buyers create quotes concurrently
	type createdQuote struct {
		buyer types.Principal
		quote quotes.Quote
	}
	quotesChan := make(chan createdQuote, targetQuotes)
	var wg sync.WaitGroup
	for i := 0; i < numBuyers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			buyer := simBuyer(workerID)
			for n := 0; n < targetQuotes/numBuyers; n++ {
				quote, err := createQuote(ctx, sc, buyer)
				if err != nil {
					log.Error().Err(err).Str("buyer_id", buyer.ID).Msg("Failed to create quote")
					stats.add(func(s *simulationStats) { s.FailedOperations++ })
					continue
				}
				quotesChan <- createdQuote{buyer: buyer, quote: *quote}
				stats.add(func(s *simulationStats) {
					s.QuotesCreated++
					s.Makes[quote.CarDetails.Make]++
				})
				log.Info().
					Str("buyer_id", buyer.ID).
					Str("quote_id", quote.QuoteID).
					Str("make", quote.CarDetails.Make).
					Bool("has_trade_in", quote.HasTradeIn).
					Msg("Quote created")

				time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	close(quotesChan)

	var created []createdQuote
	for q := range quotesChan {
		created = append(created, q)
	}

	// Dealers bid on every open opportunity they can see
	for i := 0; i < numDealers; i++ {
		wg.Add(1)
		go func(dealer types.Principal) {
			defer wg.Done()
			bidOnOpportunities(ctx, sc, dealer, premium[dealer.ID], stats)
		}(simDealer(i))
	}
	wg.Wait()

	// Buyers accept the lowest bid, chat with the winner and complete
	for _, cq := range created {
		closeDeal(ctx, sc, cq.buyer, cq.quote.QuoteID, stats)
	}

	duration := time.Since(startTime)
	printSummary(ctx, sc, stats, duration)
	sc.printPerformanceStats()
}

func createQuote(ctx context.Context, sc *simulationClient, buyer types.Principal) (*quotes.Quote, error) {
	makes := make([]string, 0, len(catalog))
	for carMake := range catalog {
		makes = append(makes, carMake)
	}
	sort.Strings(makes)
	carMake := makes[rand.Intn(len(makes))]
	models := catalog[carMake]

	req := quotes.CreateQuoteRequest{
		CarDetails: quotes.CarDetails{
			Year:  time.Now().Year() - rand.Intn(3),
			Make:  carMake,
			Model: models[rand.Intn(len(models))],
		},
		HasTradeIn: rand.Intn(3) == 0,
	}

	var quote quotes.Quote
	if err := sc.do(ctx, "create", buyer, http.MethodPost, "/api/v1/quotes", req, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func bidOnOpportunities(ctx context.Context, sc *simulationClient, dealer types.Principal, isPremium bool, stats *simulationStats) {
	var opportunities []quotes.Quote
	if err := sc.do(ctx, "opportunities", dealer, http.MethodGet, "/api/v1/opportunities", nil, &opportunities); err != nil {
		log.Error().Err(err).Str("dealer_id", dealer.ID).Msg("Failed to list opportunities")
		stats.add(func(s *simulationStats) { s.FailedOperations++ })
		return
	}

	for _, q := range opportunities {
		// Some dealers pass on some quotes
		if rand.Intn(4) == 0 {
			continue
		}

		price := float64(20000 + rand.Intn(30000))
		payload := bidding.BidPayload{
			Price:        &price,
			Availability: "in_stock",
		}
		tradeIn := q.HasTradeIn && isPremium
		if tradeIn {
			value := float64(2000 + rand.Intn(8000))
			condition := "good"
			payload.TradeInValue = &value
			payload.Condition = &condition
		}

		var bid quotes.Bid
		err := sc.do(ctx, "bid", dealer, http.MethodPost, "/api/v1/quotes/"+q.QuoteID+"/bids", payload, &bid)
		if err != nil {
			log.Warn().Err(err).Str("dealer_id", dealer.ID).Str("quote_id", q.QuoteID).Msg("Bid rejected")
			stats.add(func(s *simulationStats) { s.BidsRejected++ })
			continue
		}
		stats.add(func(s *simulationStats) {
			s.BidsSubmitted++
			if tradeIn {
				s.TradeInBids++
			}
		})
		log.Info().
			Str("dealer_id", dealer.ID).
			Str("quote_id", q.QuoteID).
			Float64("price", bid.Price).
			Bool("trade_in", tradeIn).
			Msg("Bid submitted")
	}
}

func closeDeal(ctx context.Context, sc *simulationClient, buyer types.Principal, quoteID string, stats *simulationStats) {
	fail := func(err error, msg string) {
		log.Error().Err(err).Str("quote_id", quoteID).Msg(msg)
		stats.add(func(s *simulationStats) { s.FailedOperations++ })
	}

	var view quotes.QuoteView
	if err := sc.do(ctx, "get", buyer, http.MethodGet, "/api/v1/quotes/"+quoteID, nil, &view); err != nil {
		fail(err, "Failed to get quote")
		return
	}
	if len(view.Bids) == 0 {
		log.Info().Str("quote_id", quoteID).Msg("No bids received")
		return
	}

	// Responded bids come back cheapest first
	best := view.Bids[0]
	path := fmt.Sprintf("/api/v1/quotes/%s/bids/%s/accept", quoteID, best.DealerID)
	if err := sc.do(ctx, "accept", buyer, http.MethodPost, path, nil, nil); err != nil {
		fail(err, "Failed to accept bid")
		return
	}
	stats.add(func(s *simulationStats) {
		s.Accepted++
		s.AcceptedValue += best.Price
	})

	dealer := types.Principal{ID: best.DealerID, Role: types.RoleDealer}
	conversation := []struct {
		from    types.Principal
		content string
	}{
		{buyer, "Thanks, when can I pick it up?"},
		{dealer, "Any day this week works."},
	}
	for _, line := range conversation {
		var msg chat.ChatMessage
		if err := sc.do(ctx, "message", line.from, http.MethodPost, "/api/v1/quotes/"+quoteID+"/messages", map[string]string{"content": line.content}, &msg); err != nil {
			fail(err, "Failed to post message")
			return
		}
		stats.add(func(s *simulationStats) { s.MessagesPosted++ })
	}

	if err := sc.do(ctx, "complete", buyer, http.MethodPost, "/api/v1/quotes/"+quoteID+"/complete", nil, nil); err != nil {
		fail(err, "Failed to complete quote")
		return
	}
	stats.add(func(s *simulationStats) { s.Completed++ })
	log.Info().
		Str("quote_id", quoteID).
		Str("dealer_id", best.DealerID).
		Float64("price", best.Price).
		Msg("Deal completed")
}

func printSummary(ctx context.Context, sc *simulationClient, stats *simulationStats, duration time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚗 MARKETPLACE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Quote Statistics
------------------
Quotes Created:   %d
Bids Submitted:   %d
Trade-in Bids:    %d
Bids Rejected:    %d
Accepted:         %d
Completed:        %d
Messages:         %d
Failures:         %d
Accepted Value:   $%.2f
Duration:         %v

📈 Make Distribution
--------------------
`, stats.QuotesCreated, stats.BidsSubmitted, stats.TradeInBids, stats.BidsRejected,
		stats.Accepted, stats.Completed, stats.MessagesPosted, stats.FailedOperations,
		stats.AcceptedValue, duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range stats.Makes {
		if count > maxCount {
			maxCount = count
		}
	}
	for carMake, count := range stats.Makes {
		barLength := int(float64(count) / float64(maxCount) * 20)
		fmt.Printf("%-8s: %s (%d)\n", carMake, strings.Repeat("█", barLength), count)
	}

	fmt.Println("\n🏷  Dealer Outcomes")
	fmt.Println("------------------")
	fmt.Printf("%-16s %8s %10s %9s %12s %8s\n", "Dealer", "Invited", "Responded", "Accepted", "Avg Resp", "Unread")
	for i := 0; i < numDealers; i++ {
		dealer := simDealer(i)

		var dealerStats bidding.DealerStats
		if err := sc.do(ctx, "stats", dealer, http.MethodGet, "/api/v1/dealers/me/stats", nil, &dealerStats); err != nil {
			log.Error().Err(err).Str("dealer_id", dealer.ID).Msg("Failed to get dealer stats")
			continue
		}
		var summary notifications.Summary
		if err := sc.do(ctx, "notifications", dealer, http.MethodGet, "/api/v1/notifications", nil, &summary); err != nil {
			log.Error().Err(err).Str("dealer_id", dealer.ID).Msg("Failed to get notifications")
			continue
		}

		fmt.Printf("%-16s %8d %10d %9d %11.1fs %8d\n",
			dealer.ID,
			dealerStats.Invited,
			dealerStats.Responded,
			dealerStats.Accepted,
			dealerStats.AverageResponseSeconds,
			summary.Total)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	acceptRate := 0.0
	if stats.QuotesCreated > 0 {
		acceptRate = float64(stats.Accepted) / float64(stats.QuotesCreated) * 100
	}
	log.Info().
		Float64("accept_rate", acceptRate).
		Int("quotes_created", stats.QuotesCreated).
		Int("bids_submitted", stats.BidsSubmitted).
		Float64("accepted_value", stats.AcceptedValue).
		Dur("duration", duration).
		Msg("Simulation completed")
}

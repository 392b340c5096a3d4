// Package quotestest provides a marketplace fixture for tests of the packages that
// build on quotes: an in-memory store, a dealer directory and a controllable clock.
package quotestest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ksred/carquote-api/internal/database/migrations"
	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/quotes"
	"github.com/ksred/carquote-api/internal/testutil"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// T0 is the fixture clock's starting instant
var T0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Fixture wires a quote service over a private database
type Fixture struct {
	DB      *gorm.DB
	Clock   *Clock
	Window  *quotes.Window
	Dealers *dealers.Service
	Quotes  *quotes.Service
}

// New creates a fixture with the marketplace tables plus any extra models
func New(t testing.TB, models ...interface{}) *Fixture {
	t.Helper()

	all := append([]interface{}{
		&quotes.Quote{},
		&quotes.Bid{},
		&quotes.IdempotencyRecord{},
		&dealers.DealerProfile{},
		&feed.OutboxEvent{},
	}, models...)
	db := testutil.NewDB(t, all...)
	require.NoError(t, migrations.AddBidIndexes(db))

	directory, err := dealers.NewService(db, 64)
	require.NoError(t, err)

	clock := NewClock(T0)
	window := quotes.NewWindow(quotes.DefaultWindow).WithClock(clock.Now)

	return &Fixture{
		DB:      db,
		Clock:   clock,
		Window:  window,
		Dealers: directory,
		Quotes:  quotes.NewService(db, directory, window, nil),
	}
}

// AddDealer registers an active dealer serving every segment
func (f *Fixture) AddDealer(t testing.TB, dealerID string, tier dealers.SubscriptionType) types.Principal {
	t.Helper()
	require.NoError(t, f.Dealers.UpsertProfile(context.Background(), &dealers.DealerProfile{
		DealerID:         dealerID,
		Name:             dealerID,
		SubscriptionType: tier,
		Active:           true,
	}))
	return types.Principal{ID: dealerID, Role: types.RoleDealer}
}

// Buyer returns a buyer principal
func Buyer(id string) types.Principal {
	return types.Principal{ID: id, Role: types.RoleBuyer}
}

// CreateQuote creates a pending quote for buyer at the current fixture time
func (f *Fixture) CreateQuote(t testing.TB, buyer types.Principal, hasTradeIn bool) *quotes.Quote {
	t.Helper()
	quote, err := f.Quotes.CreateQuote(context.Background(), buyer, quotes.CreateQuoteRequest{
		CarDetails: quotes.CarDetails{Year: 2024, Make: "Toyota", Model: "Camry", Trim: "XSE"},
		HasTradeIn: hasTradeIn,
	}, "")
	require.NoError(t, err)
	return quote
}

// Outbox returns every outbox row in relay order
func (f *Fixture) Outbox(t testing.TB) []feed.OutboxEvent {
	t.Helper()
	var rows []feed.OutboxEvent
	require.NoError(t, f.DB.Order("id ASC").Find(&rows).Error)
	return rows
}

// OutboxKinds returns the kinds of every outbox row for quoteID in relay order
func (f *Fixture) OutboxKinds(t testing.TB, quoteID string) []feed.Kind {
	t.Helper()
	var kinds []feed.Kind
	for _, row := range f.Outbox(t) {
		if row.QuoteID == quoteID {
			kinds = append(kinds, row.Kind)
		}
	}
	return kinds
}

package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ksred/carquote-api/internal/notifications"
	"github.com/ksred/carquote-api/internal/testutil"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingLedger struct {
	mu      sync.Mutex
	calls   []ledgerEntry
	failFor int // number of calls to fail before succeeding; -1 fails forever
}

func (l *recordingLedger) Increment(_ context.Context, dealerID string, kind notifications.Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failFor != 0 {
		if l.failFor > 0 {
			l.failFor--
		}
		return errors.New("ledger unavailable")
	}
	l.calls = append(l.calls, ledgerEntry{dealerID: dealerID, kind: kind})
	return nil
}

func (l *recordingLedger) entries() []ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledgerEntry(nil), l.calls...)
}

func newDispatcher(t *testing.T, ledger Ledger) (*Dispatcher, *MemoryBroker, *gorm.DB) {
	db := testutil.NewDB(t, &OutboxEvent{})
	broker := NewMemoryBroker(16)
	d := NewDispatcher(db, broker, ledger, Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	return d, broker, db
}

func enqueue(t *testing.T, db *gorm.DB, kind Kind, quoteID string, payload interface{}, audience ...Recipient) {
	ev, err := NewEvent(kind, quoteID, payload, audience...)
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return Enqueue(tx, ev)
	}))
}

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEvent_VisibleTo(t *testing.T) {
	ev, err := NewEvent(KindBidSubmitted, "QTE_1", map[string]float64{"price": 100}, Buyer("buyer-1"))
	require.NoError(t, err)

	assert.True(t, ev.VisibleTo(types.Principal{ID: "buyer-1", Role: types.RoleBuyer}))
	assert.False(t, ev.VisibleTo(types.Principal{ID: "dealer-1", Role: types.RoleDealer}))
	assert.False(t, ev.VisibleTo(types.Principal{ID: "buyer-1", Role: types.RoleDealer}))
	assert.True(t, ev.VisibleTo(types.Principal{ID: "ops", Role: types.RoleAdmin}))
}

func TestMemoryBroker_FilterAndClose(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(4)

	all, err := broker.Subscribe(ctx, "quote:Q", nil)
	require.NoError(t, err)
	onlyAccepted, err := broker.Subscribe(ctx, "quote:Q", func(ev Event) bool { return ev.Kind == KindBidAccepted })
	require.NoError(t, err)
	assert.Equal(t, 2, broker.Subscribers("quote:Q"))

	require.NoError(t, broker.Publish(ctx, "quote:Q", Event{ID: 1, Kind: KindBidSubmitted}))
	require.NoError(t, broker.Publish(ctx, "quote:Q", Event{ID: 2, Kind: KindBidAccepted}))

	assert.Equal(t, uint64(1), receive(t, all).ID)
	assert.Equal(t, uint64(2), receive(t, all).ID)
	assert.Equal(t, uint64(2), receive(t, onlyAccepted).ID)

	all.Close()
	all.Close()
	_, ok := <-all.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, broker.Subscribers("quote:Q"))
}

func TestMemoryBroker_ContextCancelClosesSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	broker := NewMemoryBroker(4)

	sub, err := broker.Subscribe(ctx, "quote:Q", nil)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestMemoryBroker_DropsWhenBufferFull(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(1)
	sub, err := broker.Subscribe(ctx, "quote:Q", nil)
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "quote:Q", Event{ID: 1}))
	require.NoError(t, broker.Publish(ctx, "quote:Q", Event{ID: 2}))

	assert.Equal(t, uint64(1), receive(t, sub).ID)
	assertNoEvent(t, sub)
}

func TestDispatcher_DeliversInCommitOrderWithAudienceFilter(t *testing.T) {
	ctx := context.Background()
	ledger := &recordingLedger{}
	d, _, db := newDispatcher(t, ledger)

	buyer := types.Principal{ID: "buyer-1", Role: types.RoleBuyer}
	dealerA := types.Principal{ID: "dealer-a", Role: types.RoleDealer}

	buyerSub, err := d.Subscribe(ctx, buyer, QuoteTopic("QTE_1"))
	require.NoError(t, err)
	dealerSub, err := d.Subscribe(ctx, dealerA, QuoteTopic("QTE_1"))
	require.NoError(t, err)

	enqueue(t, db, KindBidSubmitted, "QTE_1", map[string]float64{"price": 20000}, Buyer("buyer-1"))
	enqueue(t, db, KindBidSubmitted, "QTE_1", map[string]float64{"price": 19500}, Buyer("buyer-1"))
	enqueue(t, db, KindBidAccepted, "QTE_1", nil, Buyer("buyer-1"), Dealer("dealer-b"))

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first := receive(t, buyerSub)
	second := receive(t, buyerSub)
	third := receive(t, buyerSub)
	assert.Equal(t, KindBidSubmitted, first.Kind)
	assert.JSONEq(t, `{"price":20000}`, string(first.Payload))
	assert.Equal(t, KindBidSubmitted, second.Kind)
	assert.Equal(t, KindBidAccepted, third.Kind)
	assert.Less(t, first.ID, second.ID)
	assert.Less(t, second.ID, third.ID)

	// Dealer A is in none of the audiences
	assertNoEvent(t, dealerSub)

	assert.Equal(t, []ledgerEntry{{dealerID: "dealer-b", kind: notifications.KindAcceptance}}, ledger.entries())

	// Nothing is left to relay
	n, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatcher_PrincipalTopic(t *testing.T) {
	ctx := context.Background()
	ledger := &recordingLedger{}
	d, _, db := newDispatcher(t, ledger)

	dealer := types.Principal{ID: "dealer-a", Role: types.RoleDealer}
	inbox, err := d.Subscribe(ctx, dealer, PrincipalTopic(dealer.ID))
	require.NoError(t, err)

	enqueue(t, db, KindQuoteOpened, "QTE_1", nil, Dealer("dealer-a"), Dealer("dealer-b"))
	_, err = d.Drain(ctx)
	require.NoError(t, err)

	ev := receive(t, inbox)
	assert.Equal(t, KindQuoteOpened, ev.Kind)
	assert.ElementsMatch(t, []ledgerEntry{
		{dealerID: "dealer-a", kind: notifications.KindNewOpportunity},
		{dealerID: "dealer-b", kind: notifications.KindNewOpportunity},
	}, ledger.entries())
}

func TestDispatcher_LedgerRetryAndFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is retried", func(t *testing.T) {
		ledger := &recordingLedger{failFor: 2}
		d, _, db := newDispatcher(t, ledger)
		enqueue(t, db, KindBidAccepted, "QTE_1", nil, Buyer("b"), Dealer("d"))

		_, err := d.Drain(ctx)
		require.NoError(t, err)
		assert.Len(t, ledger.entries(), 1)
	})

	t.Run("permanent failure still marks delivered", func(t *testing.T) {
		ledger := &recordingLedger{failFor: -1}
		d, _, db := newDispatcher(t, ledger)
		enqueue(t, db, KindBidAccepted, "QTE_1", nil, Buyer("b"), Dealer("d"))

		n, err := d.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Empty(t, ledger.entries())

		var undelivered int64
		require.NoError(t, db.Model(&OutboxEvent{}).Where("delivered_at IS NULL").Count(&undelivered).Error)
		assert.Zero(t, undelivered)
	})
}

func TestEnqueue_RollsBackWithTransaction(t *testing.T) {
	_, _, db := newDispatcher(t, nil)

	ev, err := NewEvent(KindBidSubmitted, "QTE_1", nil, Buyer("b"))
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, Enqueue(tx, ev))
		return errors.New("mutation failed")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDispatcher_RunDrainsOnKick(t *testing.T) {
	ledger := &recordingLedger{}
	d, _, db := newDispatcher(t, ledger)
	d.opts.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buyer := types.Principal{ID: "buyer-1", Role: types.RoleBuyer}
	sub, err := d.Subscribe(ctx, buyer, QuoteTopic("QTE_9"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, d.Run(ctx))
	}()

	enqueue(t, db, KindQuoteCancelled, "QTE_9", nil, Buyer("buyer-1"))
	d.Kick()

	assert.Equal(t, KindQuoteCancelled, receive(t, sub).Kind)

	cancel()
	<-done
}

package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ksred/carquote-api/internal/acceptance"
	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/quotes"
	"github.com/ksred/carquote-api/internal/quotes/quotestest"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	*quotestest.Fixture
	chat       *Service
	acceptance *acceptance.Service
	buyer      types.Principal
	dealerA    types.Principal
	dealerB    types.Principal
	quote      *quotes.Quote
}

func newChatFixture(t *testing.T) *chatFixture {
	f := quotestest.New(t, &ChatMessage{})
	cf := &chatFixture{
		Fixture:    f,
		chat:       NewService(f.DB, nil).WithClock(f.Clock.Now),
		acceptance: acceptance.NewService(f.DB, nil),
		buyer:      quotestest.Buyer("buyer-1"),
		dealerA:    f.AddDealer(t, "dealer-a", dealers.SubscriptionBasic),
		dealerB:    f.AddDealer(t, "dealer-b", dealers.SubscriptionPremium),
	}
	cf.quote = f.CreateQuote(t, cf.buyer, true)
	for _, d := range []string{"dealer-a", "dealer-b"} {
		require.NoError(t, f.DB.Model(&quotes.Bid{}).
			Where("quote_id = ? AND dealer_id = ?", cf.quote.QuoteID, d).
			Updates(map[string]interface{}{"status": "responded", "price": 20000}).Error)
	}
	return cf
}

func TestChatGate_UnlocksOnAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	ok, err := f.chat.CanChat(ctx, f.quote.QuoteID, "dealer-b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.chat.PostMessage(ctx, f.dealerB, f.quote.QuoteID, "hello")
	assert.ErrorIs(t, err, types.ErrChatNotUnlocked)
	_, err = f.chat.PostMessage(ctx, f.buyer, f.quote.QuoteID, "hello")
	assert.ErrorIs(t, err, types.ErrChatNotUnlocked)
	_, err = f.chat.ListMessages(ctx, f.dealerB, f.quote.QuoteID)
	assert.ErrorIs(t, err, types.ErrChatNotUnlocked)

	_, err = f.acceptance.AcceptBid(ctx, f.buyer, f.quote.QuoteID, "dealer-b")
	require.NoError(t, err)

	ok, err = f.chat.CanChat(ctx, f.quote.QuoteID, "dealer-b")
	require.NoError(t, err)
	assert.True(t, ok)

	msg, err := f.chat.PostMessage(ctx, f.dealerB, f.quote.QuoteID, "  When can you come in?  ")
	require.NoError(t, err)
	assert.Equal(t, "When can you come in?", msg.Content)
	assert.Equal(t, types.RoleDealer, msg.SenderRole)
	assert.Len(t, msg.MessageID, 26)

	// Dealer A lost: still locked out, and cannot see B's conversation
	_, err = f.chat.PostMessage(ctx, f.dealerA, f.quote.QuoteID, "I can beat that")
	assert.ErrorIs(t, err, types.ErrChatNotUnlocked)
	_, err = f.chat.ListMessages(ctx, f.dealerA, f.quote.QuoteID)
	assert.ErrorIs(t, err, types.ErrChatNotUnlocked)

	events := f.Outbox(t)
	last := events[len(events)-1]
	assert.Equal(t, feed.KindMessagePosted, last.Kind)
	assert.Equal(t, []feed.Recipient{feed.Buyer("buyer-1"), feed.Dealer("dealer-b")}, last.Audience)
}

func TestChat_ConversationOrder(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	_, err := f.acceptance.AcceptBid(ctx, f.buyer, f.quote.QuoteID, "dealer-b")
	require.NoError(t, err)

	// Empty conversation is an empty list, not an error
	messages, err := f.chat.ListMessages(ctx, f.buyer, f.quote.QuoteID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	_, err = f.chat.PostMessage(ctx, f.buyer, f.quote.QuoteID, "Is the car still available?")
	require.NoError(t, err)
	f.Clock.Advance(time.Minute)
	_, err = f.chat.PostMessage(ctx, f.dealerB, f.quote.QuoteID, "Yes")
	require.NoError(t, err)
	_, err = f.chat.PostMessage(ctx, f.dealerB, f.quote.QuoteID, "Saturday works")
	require.NoError(t, err)

	for _, p := range []types.Principal{f.buyer, f.dealerB} {
		messages, err := f.chat.ListMessages(ctx, p, f.quote.QuoteID)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, "Is the car still available?", messages[0].Content)
		assert.Equal(t, "Yes", messages[1].Content)
		assert.Equal(t, "Saturday works", messages[2].Content)
		assert.Equal(t, "buyer-1", messages[0].SenderID)
		assert.Equal(t, "dealer-b", messages[2].DealerID)
	}
}

func TestChat_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	_, err := f.acceptance.AcceptBid(ctx, f.buyer, f.quote.QuoteID, "dealer-b")
	require.NoError(t, err)

	_, err = f.chat.PostMessage(ctx, f.dealerB, f.quote.QuoteID, "   ")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = f.chat.PostMessage(ctx, f.dealerB, f.quote.QuoteID, strings.Repeat("x", maxContentLength+1))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = f.chat.PostMessage(ctx, quotestest.Buyer("buyer-2"), f.quote.QuoteID, "hi")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = f.chat.PostMessage(ctx, f.buyer, "QTE_missing", "hi")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.Quotes.Complete(ctx, f.buyer, f.quote.QuoteID)
	require.NoError(t, err)

	_, err = f.chat.PostMessage(ctx, f.buyer, f.quote.QuoteID, "one more thing")
	assert.ErrorIs(t, err, types.ErrChatNotUnlocked)

	// History stays readable
	_, err = f.chat.ListMessages(ctx, f.buyer, f.quote.QuoteID)
	assert.NoError(t, err)
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/quotes"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service gates and stores buyer/dealer chat. A pair may talk only once the
// dealer's bid on the quote has been accepted.
type Service struct {
	db       *Database
	quotes   *quotes.Database
	notifier feed.Notifier
	now      func() time.Time
}

func NewService(gormDB *gorm.DB, notifier feed.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		quotes:   quotes.NewDatabase(gormDB),
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used to stamp messages
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CanChat reports whether the (quote, dealer) bid has been accepted
func (s *Service) CanChat(ctx context.Context, quoteID, dealerID string) (bool, error) {
	bid, err := s.quotes.GetBid(ctx, quoteID, dealerID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bid.IsAccepted, nil
}

// pair resolves which conversation principal is acting on and checks the gate.
// Buyers act on their quote's accepted dealer; dealers on their own pair.
func (s *Service) pair(ctx context.Context, principal types.Principal, quoteID string) (*quotes.Quote, string, error) {
	quote, err := s.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, "", err
	}

	var dealerID string
	switch {
	case principal.IsBuyer():
		if quote.BuyerID != principal.ID {
			return nil, "", fmt.Errorf("%w: quote %s", types.ErrUnauthorized, quoteID)
		}
		dealerID = quote.AcceptedDealerID
		if dealerID == "" {
			return nil, "", fmt.Errorf("%w: no bid accepted on quote %s", types.ErrChatNotUnlocked, quoteID)
		}
	case principal.IsDealer():
		dealerID = principal.ID
	default:
		return nil, "", fmt.Errorf("%w: only the buyer and dealer may chat", types.ErrUnauthorized)
	}

	ok, err := s.CanChat(ctx, quoteID, dealerID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: quote %s", types.ErrChatNotUnlocked, quoteID)
	}
	return quote, dealerID, nil
}

// PostMessage appends a message to the principal's conversation on quoteID
func (s *Service) PostMessage(ctx context.Context, principal types.Principal, quoteID, content string) (*ChatMessage, error) {
	quote, dealerID, err := s.pair(ctx, principal, quoteID)
	if err != nil {
		return nil, err
	}
	if quote.Status != quotes.StatusActive {
		return nil, fmt.Errorf("%w: quote %s is %s", types.ErrChatNotUnlocked, quoteID, quote.Status)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", types.ErrValidation)
	}
	if len(content) > maxContentLength {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", types.ErrValidation, maxContentLength)
	}

	now := s.now()
	msg := &ChatMessage{
		MessageID:  ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		QuoteID:    quoteID,
		DealerID:   dealerID,
		SenderID:   principal.ID,
		SenderRole: principal.Role,
		Content:    content,
		CreatedAt:  now,
	}

	err = s.quotes.InTx(ctx, func(_ *quotes.Database, tx *gorm.DB) error {
		if err := NewDatabase(tx).CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		ev, err := feed.NewEvent(feed.KindMessagePosted, quoteID, msg, feed.Buyer(quote.BuyerID), feed.Dealer(dealerID))
		if err != nil {
			return err
		}
		return feed.Enqueue(tx, ev)
	})
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.Kick()
	}

	log.Debug().
		Str("service", "chat").
		Str("quote_id", quoteID).
		Str("dealer_id", dealerID).
		Str("message_id", msg.MessageID).
		Msg("message posted")
	return msg, nil
}

// ListMessages returns the principal's conversation on quoteID, oldest first
func (s *Service) ListMessages(ctx context.Context, principal types.Principal, quoteID string) ([]ChatMessage, error) {
	_, dealerID, err := s.pair(ctx, principal, quoteID)
	if err != nil {
		return nil, err
	}
	return s.db.GetMessages(ctx, quoteID, dealerID)
}

// GinHandlers contains HTTP handlers for chat endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListMessagesHandler returns the caller's conversation on a quote
// URL parameter: quote_id
func (h *GinHandlers) ListMessagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		messages, err := h.service.ListMessages(c.Request.Context(), principal, c.Param("quote_id"))
		response.Handle(c, messages, err)
	}
}

// PostMessageHandler handles POST requests adding a chat message
// URL parameter: quote_id
func (h *GinHandlers) PostMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req postMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		msg, err := h.service.PostMessage(c.Request.Context(), principal, c.Param("quote_id"), req.Content)
		response.Handle(c, msg, err)
	}
}

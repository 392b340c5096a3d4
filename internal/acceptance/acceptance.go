package acceptance

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/quotes"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service moves a quote from pending to active by accepting one bid
type Service struct {
	quotes   *quotes.Database
	notifier feed.Notifier
}

func NewService(gormDB *gorm.DB, notifier feed.Notifier) *Service {
	return &Service{
		quotes:   quotes.NewDatabase(gormDB),
		notifier: notifier,
	}
}

type acceptedPayload struct {
	QuoteID  string  `json:"quote_id"`
	BidID    string  `json:"bid_id"`
	DealerID string  `json:"dealer_id"`
	Price    float64 `json:"price"`
}

// AcceptBid accepts dealerID's bid on quoteID for the quote's buyer. The status
// compare-and-swap is the only serialization point: of N concurrent calls exactly
// one succeeds and the rest get ErrAlreadyAccepted.
func (s *Service) AcceptBid(ctx context.Context, principal types.Principal, quoteID, dealerID string) (*quotes.Bid, error) {
	quote, err := s.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !principal.IsBuyer() || quote.BuyerID != principal.ID {
		return nil, fmt.Errorf("%w: quote %s", types.ErrUnauthorized, quoteID)
	}
	if err := statusError(quote); err != nil {
		return nil, err
	}

	bid, err := s.quotes.GetBid(ctx, quoteID, dealerID)
	if err != nil {
		return nil, err
	}
	if bid.Status != quotes.BidResponded {
		return nil, fmt.Errorf("%w: dealer %s has not submitted a bid", types.ErrNotFound, dealerID)
	}

	var accepted *quotes.Bid
	err = s.quotes.InTx(ctx, func(store *quotes.Database, tx *gorm.DB) error {
		swapped, err := store.CompareAndSwapStatus(ctx, quoteID, quotes.StatusPending, quotes.StatusActive, map[string]interface{}{
			"accepted_dealer_id": dealerID,
		})
		if err != nil {
			return fmt.Errorf("failed to activate quote: %w", err)
		}
		if !swapped {
			current, err := store.GetQuote(ctx, quoteID)
			if err != nil {
				return err
			}
			if err := statusError(current); err != nil {
				return err
			}
			return fmt.Errorf("%w: quote %s", types.ErrAlreadyAccepted, quoteID)
		}

		if err := store.SetAccepted(ctx, quoteID, dealerID); err != nil {
			return err
		}
		accepted, err = store.GetBid(ctx, quoteID, dealerID)
		if err != nil {
			return err
		}

		ev, err := feed.NewEvent(feed.KindBidAccepted, quoteID, acceptedPayload{
			QuoteID:  quoteID,
			BidID:    accepted.BidID,
			DealerID: dealerID,
			Price:    accepted.Price,
		}, feed.Buyer(quote.BuyerID), feed.Dealer(dealerID))
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

	log.Info().
		Str("service", "acceptance").
		Str("quote_id", quoteID).
		Str("dealer_id", dealerID).
		Float64("price", accepted.Price).
		Msg("bid accepted")
	return accepted, nil
}

// statusError maps a quote that can no longer accept a bid to its error
func statusError(q *quotes.Quote) error {
	switch {
	case q.Status == quotes.StatusActive:
		return fmt.Errorf("%w: quote %s", types.ErrAlreadyAccepted, q.QuoteID)
	case q.Status != quotes.StatusPending:
		return fmt.Errorf("%w: quote %s is %s", types.ErrInvalidTransition, q.QuoteID, q.Status)
	}
	return nil
}

// GinHandlers contains HTTP handlers for acceptance endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// AcceptBidHandler handles POST requests accepting a dealer's bid
// URL parameters: quote_id, dealer_id
func (h *GinHandlers) AcceptBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		bid, err := h.service.AcceptBid(c.Request.Context(), principal, c.Param("quote_id"), c.Param("dealer_id"))
		response.Handle(c, bid, err)
	}
}

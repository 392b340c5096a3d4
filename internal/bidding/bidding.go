package bidding

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/quotes"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service records dealers' sealed bids
type Service struct {
	db       *Database
	quotes   *quotes.Database
	dealers  quotes.DealerDirectory
	window   *quotes.Window
	notifier feed.Notifier
}

func NewService(gormDB *gorm.DB, directory quotes.DealerDirectory, window *quotes.Window, notifier feed.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		quotes:   quotes.NewDatabase(gormDB),
		dealers:  directory,
		window:   window,
		notifier: notifier,
	}
}

// SubmitBid validates and stores the dealer's bid on quoteID. Checks run in a fixed
// order and the first failure is returned. A resubmission replaces price and terms
// but keeps the original timestamps.
func (s *Service) SubmitBid(ctx context.Context, principal types.Principal, quoteID string, payload BidPayload) (*quotes.Bid, error) {
	logger := log.With().
		Str("service", "bidding").
		Str("quote_id", quoteID).
		Str("dealer_id", principal.ID).
		Logger()

	if !principal.IsDealer() {
		return nil, fmt.Errorf("%w: only dealers submit bids", types.ErrUnauthorized)
	}

	quote, err := s.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !s.window.IsOpen(quote) {
		return nil, fmt.Errorf("%w: quote %s", types.ErrOpportunityClosed, quoteID)
	}

	eligible, profile, err := s.dealers.Eligible(ctx, principal.ID, quote.Segment())
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, fmt.Errorf("%w: dealer %s", types.ErrNotEligible, principal.ID)
	}

	if payload.HasTradeIn() {
		if !quote.HasTradeIn {
			return nil, fmt.Errorf("%w: quote has no trade-in", types.ErrTradeInFieldsNotAllowed)
		}
		if !profile.IsPremium() {
			return nil, fmt.Errorf("%w: trade-in evaluation requires a premium subscription", types.ErrTradeInFieldsNotAllowed)
		}
	}

	if !payload.validPrice() {
		return nil, fmt.Errorf("%w: price must be a positive number", types.ErrInvalidPrice)
	}

	now := s.window.Now()
	notes := payload.notes()
	var saved *quotes.Bid
	resubmission := false

	err = s.quotes.InTx(ctx, func(store *quotes.Database, tx *gorm.DB) error {
		current, err := store.GetQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		if !s.window.IsOpen(current) {
			return fmt.Errorf("%w: quote %s", types.ErrOpportunityClosed, quoteID)
		}

		// The directory may serve a cached tier, the row is authoritative
		if payload.HasTradeIn() {
			stored, err := dealers.NewDatabase(tx).GetProfile(ctx, principal.ID)
			if err != nil {
				return err
			}
			if !stored.IsPremium() {
				return fmt.Errorf("%w: trade-in evaluation requires a premium subscription", types.ErrTradeInFieldsNotAllowed)
			}
		}

		if existing, err := store.GetBid(ctx, quoteID, principal.ID); err == nil {
			resubmission = existing.Status == quotes.BidResponded
		}

		if err := store.UpsertResponse(ctx, &quotes.Bid{
			BidID:         "BID_" + uuid.New().String(),
			QuoteID:       quoteID,
			DealerID:      principal.ID,
			Status:        quotes.BidResponded,
			Price:         notes.Price,
			ResponseNotes: notes,
			CreatedAt:     now,
			RespondedAt:   &now,
			UpdatedAt:     now,
		}); err != nil {
			return fmt.Errorf("failed to save bid: %w", err)
		}

		saved, err = store.GetBid(ctx, quoteID, principal.ID)
		if err != nil {
			return err
		}

		ev, err := feed.NewEvent(feed.KindBidSubmitted, quoteID, submittedPayload{
			BidID:         saved.BidID,
			DealerID:      saved.DealerID,
			Price:         saved.Price,
			ResponseNotes: saved.ResponseNotes,
			Resubmission:  resubmission,
		}, feed.Buyer(current.BuyerID))
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

	logger.Info().
		Float64("price", saved.Price).
		Bool("trade_in", payload.HasTradeIn()).
		Bool("resubmission", resubmission).
		Msg("bid submitted")
	return saved, nil
}

// DealerStats returns the dealer's invitation, response and win counts and its
// average time from quote creation to first response
func (s *Service) DealerStats(ctx context.Context, dealerID string) (*DealerStats, error) {
	invited, responded, accepted, err := s.db.GetDealerCounts(ctx, dealerID)
	if err != nil {
		return nil, err
	}

	timings, err := s.db.GetResponseTimings(ctx, dealerID)
	if err != nil {
		return nil, err
	}

	var total time.Duration
	for _, t := range timings {
		total += t.RespondedAt.Sub(t.QuoteCreatedAt)
	}

	stats := &DealerStats{
		DealerID:  dealerID,
		Invited:   invited,
		Responded: responded,
		Accepted:  accepted,
	}
	if len(timings) > 0 {
		stats.AverageResponseSeconds = (total / time.Duration(len(timings))).Seconds()
	}
	return stats, nil
}

// GinHandlers contains HTTP handlers for bidding endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SubmitBidHandler handles POST requests carrying a dealer's bid
// URL parameter: quote_id
func (h *GinHandlers) SubmitBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var payload BidPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		bid, err := h.service.SubmitBid(c.Request.Context(), principal, c.Param("quote_id"), payload)
		response.Handle(c, bid, err)
	}
}

// DealerStatsHandler returns the calling dealer's response statistics
func (h *GinHandlers) DealerStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		stats, err := h.service.DealerStats(c.Request.Context(), principal.ID)
		response.Handle(c, stats, err)
	}
}

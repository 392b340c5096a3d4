package quotes

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

// DealerDirectory answers which dealers may bid on a segment
type DealerDirectory interface {
	Eligible(ctx context.Context, dealerID string, segment dealers.Segment) (bool, *dealers.DealerProfile, error)
	ListEligible(ctx context.Context, segment dealers.Segment) ([]dealers.DealerProfile, error)
}

// Service owns quote state and the sealed read paths over their bids
type Service struct {
	db       *Database
	dealers  DealerDirectory
	window   *Window
	notifier feed.Notifier
}

// NewService creates a quote service. notifier may be nil when nothing relays the outbox.
func NewService(gormDB *gorm.DB, directory DealerDirectory, window *Window, notifier feed.Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		dealers:  directory,
		window:   window,
		notifier: notifier,
	}
}

func (s *Service) Window() *Window { return s.window }

func (s *Service) kick() {
	if s.notifier != nil {
		s.notifier.Kick()
	}
}

// CreateQuote validates the request and stores a pending quote, inviting every
// eligible dealer. A repeated idempotency key returns the quote created first.
func (s *Service) CreateQuote(ctx context.Context, principal types.Principal, req CreateQuoteRequest, idempotencyKey string) (*Quote, error) {
	if !principal.IsBuyer() {
		return nil, fmt.Errorf("%w: only buyers create quotes", types.ErrUnauthorized)
	}

	now := s.window.Now()
	scopedKey := ""
	if idempotencyKey != "" {
		scopedKey = principal.ID + ":" + idempotencyKey
		if existing, err := s.fromIdempotencyKey(ctx, scopedKey, now); err != nil || existing != nil {
			return existing, err
		}
	}

	if err := req.CarDetails.Validate(now); err != nil {
		return nil, err
	}
	req.CarDetails.normalize()

	quote := &Quote{
		QuoteID:    "QTE_" + uuid.New().String(),
		BuyerID:    principal.ID,
		CarDetails: req.CarDetails,
		Region:     req.Region,
		HasTradeIn: req.HasTradeIn,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	invited, err := s.dealers.ListEligible(ctx, quote.Segment())
	if err != nil {
		return nil, err
	}

	bids := make([]Bid, 0, len(invited))
	audience := make([]feed.Recipient, 0, len(invited))
	for _, dealer := range invited {
		bids = append(bids, Bid{
			BidID:     "BID_" + uuid.New().String(),
			QuoteID:   quote.QuoteID,
			DealerID:  dealer.DealerID,
			Status:    BidPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		audience = append(audience, feed.Dealer(dealer.DealerID))
	}

	err = s.db.InTx(ctx, func(store *Database, tx *gorm.DB) error {
		if err := store.CreateQuote(ctx, quote); err != nil {
			return fmt.Errorf("failed to create quote: %w", err)
		}
		if err := store.CreateBids(ctx, bids); err != nil {
			return fmt.Errorf("failed to invite dealers: %w", err)
		}
		if len(audience) > 0 {
			ev, err := feed.NewEvent(feed.KindQuoteOpened, quote.QuoteID, s.openedPayload(quote), audience...)
			if err != nil {
				return err
			}
			if err := feed.Enqueue(tx, ev); err != nil {
				return err
			}
		}
		if scopedKey != "" {
			return store.SaveIdempotencyRecord(ctx, &IdempotencyRecord{
				IdempotencyKey: scopedKey,
				ResourceID:     quote.QuoteID,
				ResourceType:   "quote",
				ExpiresAt:      now.Add(idempotencyTTL),
				CreatedAt:      now,
			})
		}
		return nil
	})
	if err != nil {
		// A concurrent request with the same key may have won
		if scopedKey != "" {
			if existing, lookupErr := s.fromIdempotencyKey(ctx, scopedKey, now); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.kick()

	log.Info().
		Str("service", "quotes").
		Str("quote_id", quote.QuoteID).
		Str("buyer_id", quote.BuyerID).
		Int("invited_dealers", len(bids)).
		Msg("quote created")
	return quote, nil
}

func (s *Service) fromIdempotencyKey(ctx context.Context, key string, now time.Time) (*Quote, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, key, now)
	if err != nil || record == nil {
		return nil, err
	}
	return s.db.GetQuote(ctx, record.ResourceID)
}

type openedPayload struct {
	QuoteID    string     `json:"quote_id"`
	CarDetails CarDetails `json:"car_details"`
	Region     string     `json:"region,omitempty"`
	HasTradeIn bool       `json:"has_trade_in"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

func (s *Service) openedPayload(q *Quote) openedPayload {
	return openedPayload{
		QuoteID:    q.QuoteID,
		CarDetails: q.CarDetails,
		Region:     q.Region,
		HasTradeIn: q.HasTradeIn,
		ExpiresAt:  s.window.ExpiresAt(q),
	}
}

func (s *Service) GetQuote(ctx context.Context, quoteID string) (*Quote, error) {
	return s.db.GetQuote(ctx, quoteID)
}

// Authorize checks that principal may read quoteID: its buyer, an admin, an
// invited dealer or a dealer currently eligible for it
func (s *Service) Authorize(ctx context.Context, principal types.Principal, quoteID string) error {
	quote, err := s.db.GetQuote(ctx, quoteID)
	if err != nil {
		return err
	}
	return s.authorizeQuote(ctx, principal, quote)
}

func (s *Service) authorizeQuote(ctx context.Context, principal types.Principal, quote *Quote) error {
	switch {
	case principal.IsAdmin():
		return nil
	case principal.IsBuyer():
		if quote.BuyerID == principal.ID {
			return nil
		}
	case principal.IsDealer():
		if _, err := s.db.GetBid(ctx, quote.QuoteID, principal.ID); err == nil {
			return nil
		} else if !isNotFound(err) {
			return err
		}
		eligible, _, err := s.dealers.Eligible(ctx, principal.ID, quote.Segment())
		if err != nil {
			return err
		}
		if eligible {
			return nil
		}
	}
	return fmt.Errorf("%w: quote %s", types.ErrUnauthorized, quote.QuoteID)
}

// ViewQuote returns the quote with the bids principal may see. The buyer sees every
// submitted bid, cheapest first; a dealer sees only its own.
func (s *Service) ViewQuote(ctx context.Context, principal types.Principal, quoteID string) (*QuoteView, error) {
	quote, err := s.db.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeQuote(ctx, principal, quote); err != nil {
		return nil, err
	}

	bids, err := s.bidsVisibleTo(ctx, principal, quote)
	if err != nil {
		return nil, err
	}

	// Only the winner learns who won
	if principal.IsDealer() && quote.AcceptedDealerID != principal.ID {
		sealed := *quote
		sealed.AcceptedDealerID = ""
		quote = &sealed
	}

	return &QuoteView{
		Quote:     quote,
		Bids:      bids,
		ExpiresAt: s.window.ExpiresAt(quote),
		Open:      s.window.IsOpen(quote),
	}, nil
}

// BidsVisibleTo returns the bids on quoteID principal may read. For dealers the
// query is always filtered by the dealer's own id.
func (s *Service) BidsVisibleTo(ctx context.Context, principal types.Principal, quoteID string) ([]Bid, error) {
	quote, err := s.db.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeQuote(ctx, principal, quote); err != nil {
		return nil, err
	}
	return s.bidsVisibleTo(ctx, principal, quote)
}

func (s *Service) bidsVisibleTo(ctx context.Context, principal types.Principal, quote *Quote) ([]Bid, error) {
	if principal.IsDealer() {
		bid, err := s.DealerBid(ctx, quote.QuoteID, principal.ID)
		if isNotFound(err) {
			return []Bid{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []Bid{*bid}, nil
	}
	return s.db.GetRespondedBids(ctx, quote.QuoteID)
}

// DealerBid returns dealerID's own bid on quoteID
func (s *Service) DealerBid(ctx context.Context, quoteID, dealerID string) (*Bid, error) {
	return s.db.GetBid(ctx, quoteID, dealerID)
}

// ListOpenQuotes returns the pending quotes inside their window that dealerID may bid on
func (s *Service) ListOpenQuotes(ctx context.Context, dealerID string) ([]Quote, error) {
	candidates, err := s.db.GetPendingQuotesSince(ctx, s.window.openSince())
	if err != nil {
		return nil, fmt.Errorf("failed to list open quotes: %w", err)
	}

	open := make([]Quote, 0, len(candidates))
	for i := range candidates {
		q := &candidates[i]
		if !s.window.IsOpen(q) {
			continue
		}
		eligible, _, err := s.dealers.Eligible(ctx, dealerID, q.Segment())
		if err != nil {
			return nil, err
		}
		if eligible {
			open = append(open, *q)
		}
	}
	return open, nil
}

func (s *Service) ListBuyerQuotes(ctx context.Context, buyerID string) ([]Quote, error) {
	return s.db.GetBuyerQuotes(ctx, buyerID)
}

// TransitionStatus moves a quote along the legal transition table using a
// compare-and-swap on its current status
func (s *Service) TransitionStatus(ctx context.Context, quoteID string, to Status) error {
	quote, err := s.db.GetQuote(ctx, quoteID)
	if err != nil {
		return err
	}
	if !CanTransition(quote.Status, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, quote.Status, to)
	}

	swapped, err := s.db.CompareAndSwapStatus(ctx, quoteID, quote.Status, to, nil)
	if err != nil {
		return fmt.Errorf("failed to update quote status: %w", err)
	}
	if !swapped {
		return fmt.Errorf("%w: quote %s changed concurrently", types.ErrInvalidTransition, quoteID)
	}
	return nil
}

// Cancel withdraws a pending quote. Only its buyer or an admin may cancel.
func (s *Service) Cancel(ctx context.Context, principal types.Principal, quoteID string) (*Quote, error) {
	return s.closeQuote(ctx, principal, quoteID, StatusCancelled, feed.KindQuoteCancelled)
}

// Complete finalizes an active quote after the sale
func (s *Service) Complete(ctx context.Context, principal types.Principal, quoteID string) (*Quote, error) {
	return s.closeQuote(ctx, principal, quoteID, StatusCompleted, feed.KindQuoteCompleted)
}

func (s *Service) closeQuote(ctx context.Context, principal types.Principal, quoteID string, to Status, kind feed.Kind) (*Quote, error) {
	quote, err := s.db.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && !(principal.IsBuyer() && quote.BuyerID == principal.ID) {
		return nil, fmt.Errorf("%w: quote %s", types.ErrUnauthorized, quoteID)
	}
	if !CanTransition(quote.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, quote.Status, to)
	}

	err = s.db.InTx(ctx, func(store *Database, tx *gorm.DB) error {
		swapped, err := store.CompareAndSwapStatus(ctx, quoteID, quote.Status, to, nil)
		if err != nil {
			return fmt.Errorf("failed to update quote status: %w", err)
		}
		if !swapped {
			return fmt.Errorf("%w: quote %s changed concurrently", types.ErrInvalidTransition, quoteID)
		}

		audience := []feed.Recipient{feed.Buyer(quote.BuyerID)}
		if quote.AcceptedDealerID != "" {
			audience = append(audience, feed.Dealer(quote.AcceptedDealerID))
		} else {
			dealerIDs, err := store.GetInvitedDealers(ctx, quoteID)
			if err != nil {
				return err
			}
			for _, id := range dealerIDs {
				audience = append(audience, feed.Dealer(id))
			}
		}

		ev, err := feed.NewEvent(kind, quoteID, map[string]interface{}{
			"quote_id": quoteID,
			"status":   to,
		}, audience...)
		if err != nil {
			return err
		}
		return feed.Enqueue(tx, ev)
	})
	if err != nil {
		return nil, err
	}
	s.kick()

	log.Info().
		Str("service", "quotes").
		Str("quote_id", quoteID).
		Str("from", string(quote.Status)).
		Str("to", string(to)).
		Msg("quote status changed")
	return s.db.GetQuote(ctx, quoteID)
}

// GinHandlers contains HTTP handlers for quote endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateQuoteHandler handles POST requests to create quotes
// An optional Idempotency-Key header makes retries safe
func (h *GinHandlers) CreateQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req CreateQuoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		quote, err := h.service.CreateQuote(c.Request.Context(), principal, req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, quote, err)
	}
}

// GetQuoteHandler returns the caller's view of a quote
// URL parameter: quote_id
func (h *GinHandlers) GetQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		view, err := h.service.ViewQuote(c.Request.Context(), principal, c.Param("quote_id"))
		response.Handle(c, view, err)
	}
}

// ListQuotesHandler returns the calling buyer's quotes
func (h *GinHandlers) ListQuotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		quotes, err := h.service.ListBuyerQuotes(c.Request.Context(), principal.ID)
		response.Handle(c, quotes, err)
	}
}

// ListOpportunitiesHandler returns the quotes the calling dealer may bid on
func (h *GinHandlers) ListOpportunitiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		quotes, err := h.service.ListOpenQuotes(c.Request.Context(), principal.ID)
		response.Handle(c, quotes, err)
	}
}

// CancelQuoteHandler handles POST requests to cancel a pending quote
func (h *GinHandlers) CancelQuoteHandler() gin.HandlerFunc {
	return h.closeHandler((*Service).Cancel)
}

// CompleteQuoteHandler handles POST requests to complete an active quote
func (h *GinHandlers) CompleteQuoteHandler() gin.HandlerFunc {
	return h.closeHandler((*Service).Complete)
}

func (h *GinHandlers) closeHandler(op func(*Service, context.Context, types.Principal, string) (*Quote, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		quote, err := op(h.service, c.Request.Context(), principal, c.Param("quote_id"))
		response.Handle(c, quote, err)
	}
}

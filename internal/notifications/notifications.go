package notifications

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/middleware"
	"github.com/ksred/carquote-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Ledger is the system of record for dealer unread badges. It is written by the
// change-feed dispatcher and does not depend on any live connection.
type Ledger struct {
	db *Database
}

// NewLedger creates a ledger over the given database connection
func NewLedger(gormDB *gorm.DB) *Ledger {
	return &Ledger{
		db: NewDatabase(gormDB),
	}
}

// Increment records one more unread item of kind for the dealer
func (l *Ledger) Increment(ctx context.Context, dealerID string, kind Kind) error {
	if dealerID == "" || !kind.Valid() {
		return fmt.Errorf("%w: dealer %q kind %q", types.ErrValidation, dealerID, kind)
	}
	if err := l.db.Increment(ctx, dealerID, kind); err != nil {
		return fmt.Errorf("failed to increment %s for dealer %s: %w", kind, dealerID, err)
	}
	return nil
}

// UnreadCount returns the dealer's total unread items across kinds
func (l *Ledger) UnreadCount(ctx context.Context, dealerID string) (int, error) {
	summary, err := l.Summary(ctx, dealerID)
	if err != nil {
		return 0, err
	}
	return summary.Total, nil
}

// Summary returns unread counts per kind plus the total
func (l *Ledger) Summary(ctx context.Context, dealerID string) (*Summary, error) {
	rows, err := l.db.GetDealerNotifications(ctx, dealerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}

	summary := &Summary{DealerID: dealerID, ByKind: make(map[Kind]int, len(rows))}
	for _, n := range rows {
		summary.ByKind[n.Kind] = n.Unread
		summary.Total += n.Unread
	}
	return summary, nil
}

// UnreadByKind returns the dealer's unread items per kind
func (l *Ledger) UnreadByKind(ctx context.Context, dealerID string) (map[Kind]int, error) {
	summary, err := l.Summary(ctx, dealerID)
	if err != nil {
		return nil, err
	}
	return summary.ByKind, nil
}

// MarkRead clears the dealer's unread items of kind. An empty kind clears all of them.
func (l *Ledger) MarkRead(ctx context.Context, dealerID string, kind Kind) error {
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("%w: unknown notification kind %q", types.ErrValidation, kind)
	}
	if err := l.db.ResetUnread(ctx, dealerID, kind); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", kind, err)
	}

	log.Debug().
		Str("service", "notifications").
		Str("dealer_id", dealerID).
		Str("kind", string(kind)).
		Msg("notifications marked read")
	return nil
}

// GinHandlers contains HTTP handlers for notification endpoints
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{
		ledger: ledger,
	}
}

// GetNotificationsHandler returns the calling dealer's unread summary
func (h *GinHandlers) GetNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		summary, err := h.ledger.Summary(c.Request.Context(), principal.ID)
		response.Handle(c, summary, err)
	}
}

// MarkReadHandler clears one kind; the literal kind "all" clears every kind
func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		kind := Kind(c.Param("kind"))
		if kind == "all" {
			kind = ""
		}

		if err := h.ledger.MarkRead(c.Request.Context(), principal.ID, kind); err != nil {
			response.Handle(c, nil, err)
			return
		}

		summary, err := h.ledger.Summary(c.Request.Context(), principal.ID)
		response.Handle(c, summary, err)
	}
}

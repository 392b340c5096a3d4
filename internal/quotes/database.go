package quotes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/carquote-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database is the quote and bid store. Inside InTx every call must go through the
// store handed to the callback; the pool has a single connection.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// InTx runs fn in one transaction, committing when it returns nil
func (d *Database) InTx(ctx context.Context, fn func(store *Database, tx *gorm.DB) error) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(NewDatabase(tx), tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func (d *Database) CreateQuote(ctx context.Context, quote *Quote) error {
	return d.db.WithContext(ctx).Create(quote).Error
}

func (d *Database) CreateBids(ctx context.Context, bids []Bid) error {
	if len(bids) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).Create(&bids).Error
}

func (d *Database) GetQuote(ctx context.Context, quoteID string) (*Quote, error) {
	var quote Quote
	if err := d.db.WithContext(ctx).Where("quote_id = ?", quoteID).First(&quote).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: quote %s", types.ErrNotFound, quoteID)
		}
		return nil, err
	}
	return &quote, nil
}

func (d *Database) GetBuyerQuotes(ctx context.Context, buyerID string) ([]Quote, error) {
	var quotes []Quote
	if err := d.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID).
		Order("created_at DESC").
		Find(&quotes).Error; err != nil {
		return nil, err
	}
	return quotes, nil
}

// GetPendingQuotesSince returns pending quotes created after since, newest first
func (d *Database) GetPendingQuotesSince(ctx context.Context, since time.Time) ([]Quote, error) {
	var quotes []Quote
	if err := d.db.WithContext(ctx).
		Where("status = ? AND created_at > ?", string(StatusPending), since).
		Order("created_at DESC").
		Find(&quotes).Error; err != nil {
		return nil, err
	}
	return quotes, nil
}

// GetUnannouncedExpired returns pending quotes created at or before cutoff whose
// expiry has not been announced yet
func (d *Database) GetUnannouncedExpired(ctx context.Context, cutoff time.Time, limit int) ([]Quote, error) {
	var quotes []Quote
	if err := d.db.WithContext(ctx).
		Where("status = ? AND expiry_announced = ? AND created_at <= ?", string(StatusPending), false, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&quotes).Error; err != nil {
		return nil, err
	}
	return quotes, nil
}

// CompareAndSwapStatus moves the quote from one status to another only if it is
// still in from. It reports whether the swap happened.
func (d *Database) CompareAndSwapStatus(ctx context.Context, quoteID string, from, to Status, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := d.db.WithContext(ctx).
		Model(&Quote{}).
		Where("quote_id = ? AND status = ?", quoteID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkExpiryAnnounced flips the announcement flag once; false means another
// sweeper got there first or the quote left pending
func (d *Database) MarkExpiryAnnounced(ctx context.Context, quoteID string) (bool, error) {
	result := d.db.WithContext(ctx).
		Model(&Quote{}).
		Where("quote_id = ? AND status = ? AND expiry_announced = ?", quoteID, string(StatusPending), false).
		Update("expiry_announced", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) GetBid(ctx context.Context, quoteID, dealerID string) (*Bid, error) {
	var bid Bid
	if err := d.db.WithContext(ctx).
		Where("quote_id = ? AND dealer_id = ?", quoteID, dealerID).
		First(&bid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no bid from dealer %s on quote %s", types.ErrNotFound, dealerID, quoteID)
		}
		return nil, err
	}
	return &bid, nil
}

// GetRespondedBids returns the submitted bids on a quote, cheapest first
func (d *Database) GetRespondedBids(ctx context.Context, quoteID string) ([]Bid, error) {
	var bids []Bid
	if err := d.db.WithContext(ctx).
		Where("quote_id = ? AND status = ?", quoteID, string(BidResponded)).
		Order("price ASC, responded_at ASC").
		Find(&bids).Error; err != nil {
		return nil, err
	}
	return bids, nil
}

// GetInvitedDealers returns every dealer holding a bid row on the quote
func (d *Database) GetInvitedDealers(ctx context.Context, quoteID string) ([]string, error) {
	var dealerIDs []string
	if err := d.db.WithContext(ctx).
		Model(&Bid{}).
		Where("quote_id = ?", quoteID).
		Order("dealer_id ASC").
		Pluck("dealer_id", &dealerIDs).Error; err != nil {
		return nil, err
	}
	return dealerIDs, nil
}

// UpsertResponse writes a dealer's submission. created_at and responded_at keep
// their first values on resubmission.
func (d *Database) UpsertResponse(ctx context.Context, bid *Bid) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "quote_id"}, {Name: "dealer_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":         string(BidResponded),
			"price":          bid.Price,
			"response_notes": clause.Expr{SQL: "excluded.response_notes"},
			"responded_at":   clause.Expr{SQL: "COALESCE(bids.responded_at, excluded.responded_at)"},
			"updated_at":     bid.UpdatedAt,
		}),
	}).Create(bid).Error
}

// SetAccepted flags the dealer's bid as the accepted one
func (d *Database) SetAccepted(ctx context.Context, quoteID, dealerID string) error {
	result := d.db.WithContext(ctx).
		Model(&Bid{}).
		Where("quote_id = ? AND dealer_id = ? AND status = ?", quoteID, dealerID, string(BidResponded)).
		Updates(map[string]interface{}{
			"is_accepted": true,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: no submitted bid from dealer %s", types.ErrNotFound, dealerID)
	}
	return nil
}

// GetIdempotencyRecord returns the live record for key, or nil
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !record.ExpiresAt.After(now) {
		return nil, nil
	}
	return &record, nil
}

// SaveIdempotencyRecord stores record, replacing an expired one with the same key
func (d *Database) SaveIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	if err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at <= ?", record.IdempotencyKey, record.CreatedAt).
		Delete(&IdempotencyRecord{}).Error; err != nil {
		return err
	}
	return d.db.WithContext(ctx).Create(record).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

package bidding

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetDealerCounts returns how many quotes the dealer was invited to, answered and won
func (d *Database) GetDealerCounts(ctx context.Context, dealerID string) (invited, responded, accepted int64, err error) {
	type Result struct {
		Invited   int64
		Responded int64
		Accepted  int64
	}
	var result Result

	query := `
		SELECT
			COUNT(*) as invited,
			COALESCE(SUM(CASE WHEN status = 'responded' THEN 1 ELSE 0 END), 0) as responded,
			COALESCE(SUM(CASE WHEN is_accepted THEN 1 ELSE 0 END), 0) as accepted
		FROM bids
		WHERE dealer_id = ?`

	if err := d.db.WithContext(ctx).Raw(query, dealerID).Scan(&result).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count dealer bids: %w", err)
	}
	return result.Invited, result.Responded, result.Accepted, nil
}

type responseTiming struct {
	RespondedAt    time.Time
	QuoteCreatedAt time.Time
}

// GetResponseTimings returns, per answered quote, when it was opened and when the
// dealer first answered
func (d *Database) GetResponseTimings(ctx context.Context, dealerID string) ([]responseTiming, error) {
	var timings []responseTiming
	if err := d.db.WithContext(ctx).
		Table("bids").
		Select("bids.responded_at, quotes.created_at AS quote_created_at").
		Joins("JOIN quotes ON quotes.quote_id = bids.quote_id").
		Where("bids.dealer_id = ? AND bids.responded_at IS NOT NULL", dealerID).
		Scan(&timings).Error; err != nil {
		return nil, fmt.Errorf("failed to load response timings: %w", err)
	}
	return timings, nil
}

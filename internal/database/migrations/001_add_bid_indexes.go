package migrations

import (
	"gorm.io/gorm"
)

// AddBidIndexes creates the accepted-bid uniqueness index and the bid lookup indexes
func AddBidIndexes(db *gorm.DB) error {
	indexes := []string{
		// At most one accepted bid per quote, whatever the application does
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bids_one_accepted
		 ON bids(quote_id) WHERE is_accepted`,

		// Buyer view: submitted bids of a quote ordered by price
		`CREATE INDEX IF NOT EXISTS idx_bids_quote_status_price
		 ON bids(quote_id, status, price)`,

		// Dealer stats
		`CREATE INDEX IF NOT EXISTS idx_bids_dealer_status
		 ON bids(dealer_id, status)`,

		// Open opportunity listing and the expiry sweep
		`CREATE INDEX IF NOT EXISTS idx_quotes_status_created_at
		 ON quotes(status, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}

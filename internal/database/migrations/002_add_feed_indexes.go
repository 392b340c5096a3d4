package migrations

import (
	"gorm.io/gorm"
)

// AddFeedIndexes creates the indexes used by the outbox relay and chat history
func AddFeedIndexes(db *gorm.DB) error {
	indexes := []string{
		// Relay scans undelivered rows in id order
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_undelivered
		 ON outbox_events(id) WHERE delivered_at IS NULL`,

		// Chat history per pair
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_pair
		 ON chat_messages(quote_id, dealer_id, created_at, message_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}

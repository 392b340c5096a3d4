package chat

import (
	"context"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateMessage(ctx context.Context, msg *ChatMessage) error {
	return d.db.WithContext(ctx).Create(msg).Error
}

// GetMessages returns the pair's messages oldest first
func (d *Database) GetMessages(ctx context.Context, quoteID, dealerID string) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := d.db.WithContext(ctx).
		Where("quote_id = ? AND dealer_id = ?", quoteID, dealerID).
		Order("created_at ASC, message_id ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

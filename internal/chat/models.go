package chat

import (
	"time"

	"github.com/ksred/carquote-api/internal/types"
)

const maxContentLength = 4000

// ChatMessage is one message between a buyer and the dealer whose bid it accepted
type ChatMessage struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	MessageID  string     `gorm:"uniqueIndex;not null" json:"message_id"`
	QuoteID    string     `gorm:"not null" json:"quote_id"`
	DealerID   string     `gorm:"not null" json:"dealer_id"`
	SenderID   string     `gorm:"not null" json:"sender_id"`
	SenderRole types.Role `gorm:"not null" json:"sender_role"`
	Content    string     `gorm:"not null" json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

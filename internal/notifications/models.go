package notifications

import "time"

// Kind is the category of an unread badge
type Kind string

const (
	KindNewOpportunity Kind = "new_opportunity"
	KindAcceptance     Kind = "acceptance"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindNewOpportunity || k == KindAcceptance
}

// Notification is the durable unread counter for one dealer and kind
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	DealerID  string    `gorm:"uniqueIndex:idx_notifications_dealer_kind;not null" json:"dealer_id"`
	Kind      Kind      `gorm:"uniqueIndex:idx_notifications_dealer_kind;not null" json:"kind"`
	Unread    int       `gorm:"not null;default:0" json:"unread"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the unread badge projection returned to dealers
type Summary struct {
	DealerID string       `json:"dealer_id"`
	Total    int          `json:"total"`
	ByKind   map[Kind]int `json:"by_kind"`
}

package notifications

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Increment adds one unread item, creating the counter on first use
func (d *Database) Increment(ctx context.Context, dealerID string, kind Kind) error {
	now := time.Now()
	n := Notification{
		DealerID:  dealerID,
		Kind:      kind,
		Unread:    1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "dealer_id"}, {Name: "kind"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"unread":     gorm.Expr("unread + 1"),
			"updated_at": now,
		}),
	}).Create(&n).Error
}

func (d *Database) GetDealerNotifications(ctx context.Context, dealerID string) ([]Notification, error) {
	var notifications []Notification
	if err := d.db.WithContext(ctx).
		Where("dealer_id = ?", dealerID).
		Order("kind ASC").
		Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

// ResetUnread zeroes the counter for one kind, or for every kind when kind is empty
func (d *Database) ResetUnread(ctx context.Context, dealerID string, kind Kind) error {
	query := d.db.WithContext(ctx).Model(&Notification{}).Where("dealer_id = ?", dealerID)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	return query.Updates(map[string]interface{}{
		"unread":     0,
		"updated_at": time.Now(),
	}).Error
}

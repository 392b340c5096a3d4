package feed

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// OutboxEvent is an event written in the same transaction as the mutation it
// describes. The dispatcher relays rows in id order and stamps DeliveredAt.
type OutboxEvent struct {
	ID          uint64      `gorm:"primaryKey;autoIncrement"`
	QuoteID     string      `gorm:"index;not null"`
	Kind        Kind        `gorm:"not null"`
	Audience    []Recipient `gorm:"serializer:json"`
	Payload     []byte
	CreatedAt   time.Time
	DeliveredAt *time.Time `gorm:"index"`
}

func (o *OutboxEvent) toEvent() Event {
	return Event{
		ID:          o.ID,
		Kind:        o.Kind,
		QuoteID:     o.QuoteID,
		Audience:    o.Audience,
		Payload:     o.Payload,
		CommittedAt: o.CreatedAt,
	}
}

// Enqueue stores ev in the outbox using tx, so it commits or rolls back together
// with the caller's state change.
func Enqueue(tx *gorm.DB, ev Event) error {
	if ev.QuoteID == "" || ev.Kind == "" {
		return fmt.Errorf("outbox event requires quote id and kind")
	}
	row := &OutboxEvent{
		QuoteID:  ev.QuoteID,
		Kind:     ev.Kind,
		Audience: ev.Audience,
		Payload:  ev.Payload,
	}
	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s event: %w", ev.Kind, err)
	}
	return nil
}

type outboxStore struct {
	db *gorm.DB
}

func (s *outboxStore) pending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var rows []OutboxEvent
	if err := s.db.WithContext(ctx).
		Where("delivered_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	return rows, nil
}

func (s *outboxStore) markDelivered(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ?", id).
		Update("delivered_at", at).Error
}

func (s *outboxStore) pruneDelivered(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("delivered_at IS NOT NULL AND delivered_at < ?", before).
		Delete(&OutboxEvent{})
	return result.RowsAffected, result.Error
}

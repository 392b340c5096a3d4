package dealers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/carquote-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetProfile(ctx context.Context, dealerID string) (*DealerProfile, error) {
	var profile DealerProfile
	if err := d.db.WithContext(ctx).Where("dealer_id = ?", dealerID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: dealer %s", types.ErrNotFound, dealerID)
		}
		return nil, err
	}
	return &profile, nil
}

func (d *Database) UpsertProfile(ctx context.Context, profile *DealerProfile) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dealer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "subscription_type", "regions", "brands", "active", "updated_at"}),
	}).Create(profile).Error
}

func (d *Database) GetActiveProfiles(ctx context.Context) ([]DealerProfile, error) {
	var profiles []DealerProfile
	if err := d.db.WithContext(ctx).
		Where("active = ?", true).
		Order("dealer_id ASC").
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

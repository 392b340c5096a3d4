package database

import (
	"fmt"

	"github.com/ksred/carquote-api/internal/chat"
	"github.com/ksred/carquote-api/internal/config"
	"github.com/ksred/carquote-api/internal/database/migrations"
	"github.com/ksred/carquote-api/internal/dealers"
	"github.com/ksred/carquote-api/internal/feed"
	"github.com/ksred/carquote-api/internal/notifications"
	"github.com/ksred/carquote-api/internal/quotes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	logLevel := logger.Warn
	if cfg.Debug {
		logLevel = logger.Info
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", cfg.DatabasePath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, err
	}

	// Transactions are the serialization point; sqlite allows one writer anyway
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table and index the services use
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&quotes.Quote{},
		&quotes.Bid{},
		&quotes.IdempotencyRecord{},
		&dealers.DealerProfile{},
		&chat.ChatMessage{},
		&notifications.Notification{},
		&feed.OutboxEvent{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddBidIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddFeedIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

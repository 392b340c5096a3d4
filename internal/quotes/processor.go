package quotes

import (
	"context"
	"time"

	"github.com/ksred/carquote-api/internal/feed"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const sweepBatchSize = 100

// Processor announces opportunity windows that have run out. The announcement is a
// UX signal only: bid validity is always decided by Window on read.
type Processor struct {
	db            *Database
	window        *Window
	notifier      feed.Notifier
	sweepInterval time.Duration
}

func NewProcessor(gormDB *gorm.DB, window *Window, notifier feed.Notifier, sweepInterval time.Duration) *Processor {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Processor{
		db:            NewDatabase(gormDB),
		window:        window,
		notifier:      notifier,
		sweepInterval: sweepInterval,
	}
}

// Start runs the sweep loop until ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_processor").Logger()
	logger.Info().Dur("interval", p.sweepInterval).Msg("starting expiry processor")

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry processor")
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("failed to sweep expired quotes")
			}
		}
	}
}

// Sweep emits opportunity_expired once for every pending quote whose window has
// closed. It returns how many quotes were announced.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "expiry_processor").Logger()

	announced := 0
	for {
		expired, err := p.db.GetUnannouncedExpired(ctx, p.window.openSince(), sweepBatchSize)
		if err != nil {
			return announced, err
		}

		progressed := false
		for i := range expired {
			quote := &expired[i]
			if p.window.IsOpen(quote) {
				continue
			}

			ok, err := p.announce(ctx, quote)
			if err != nil {
				logger.Error().
					Err(err).
					Str("quote_id", quote.QuoteID).
					Msg("failed to announce expiry")
				continue
			}
			progressed = true
			if ok {
				announced++
			}
		}

		if len(expired) < sweepBatchSize || !progressed {
			break
		}
	}

	if announced > 0 {
		if p.notifier != nil {
			p.notifier.Kick()
		}
		logger.Info().Int("announced", announced).Msg("announced expired opportunities")
	}
	return announced, nil
}

func (p *Processor) announce(ctx context.Context, quote *Quote) (bool, error) {
	announced := false
	err := p.db.InTx(ctx, func(store *Database, tx *gorm.DB) error {
		ok, err := store.MarkExpiryAnnounced(ctx, quote.QuoteID)
		if err != nil || !ok {
			return err
		}

		dealerIDs, err := store.GetInvitedDealers(ctx, quote.QuoteID)
		if err != nil {
			return err
		}
		audience := []feed.Recipient{feed.Buyer(quote.BuyerID)}
		for _, id := range dealerIDs {
			audience = append(audience, feed.Dealer(id))
		}

		ev, err := feed.NewEvent(feed.KindOpportunityExpired, quote.QuoteID, map[string]interface{}{
			"quote_id":   quote.QuoteID,
			"expired_at": p.window.ExpiresAt(quote),
		}, audience...)
		if err != nil {
			return err
		}
		if err := feed.Enqueue(tx, ev); err != nil {
			return err
		}
		announced = true
		return nil
	})
	return announced, err
}

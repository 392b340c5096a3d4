package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/carquote-api/internal/notifications"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/retry"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Ledger receives the durable unread-badge writes that follow each push
type Ledger interface {
	Increment(ctx context.Context, dealerID string, kind notifications.Kind) error
}

// Notifier is told that new outbox rows were committed
type Notifier interface {
	Kick()
}

// Options tunes the relay loop
type Options struct {
	PollInterval time.Duration // fallback when a kick is missed
	BatchSize    int
	MaxRetries   int           // per push or ledger write
	RetryDelay   time.Duration // grows linearly per attempt
	Retention    time.Duration // delivered outbox rows older than this are pruned
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = retry.DefaultBaseDelay
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return o
}

// Dispatcher relays committed outbox events to live subscribers and then to the
// notification ledger. A single relay goroutine drains rows in id order, so events
// of one quote reach subscribers in commit order.
type Dispatcher struct {
	outbox *outboxStore
	broker Broker
	ledger Ledger
	opts   Options
	kick   chan struct{}
	mu     sync.Mutex // serializes Drain
}

// NewDispatcher creates a dispatcher over the outbox table in gormDB
func NewDispatcher(gormDB *gorm.DB, broker Broker, ledger Ledger, opts Options) *Dispatcher {
	return &Dispatcher{
		outbox: &outboxStore{db: gormDB},
		broker: broker,
		ledger: ledger,
		opts:   opts.withDefaults(),
		kick:   make(chan struct{}, 1),
	}
}

// Kick wakes the relay loop without blocking
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox whenever kicked or on every poll tick until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.With().Str("component", "feed_dispatcher").Logger()
	logger.Info().Dur("poll_interval", d.opts.PollInterval).Msg("starting change-feed dispatcher")

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	lastPrune := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down change-feed dispatcher")
			return nil
		case <-d.kick:
		case <-ticker.C:
		}

		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to drain outbox")
		}

		if time.Since(lastPrune) > time.Hour {
			lastPrune = time.Now()
			pruned, err := d.outbox.pruneDelivered(ctx, time.Now().Add(-d.opts.Retention))
			if err != nil {
				logger.Error().Err(err).Msg("failed to prune outbox")
			} else if pruned > 0 {
				logger.Debug().Int64("pruned", pruned).Msg("pruned delivered outbox events")
			}
		}
	}
}

// Drain relays every undelivered outbox row and returns how many were delivered
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delivered := 0
	for {
		rows, err := d.outbox.pending(ctx, d.opts.BatchSize)
		if err != nil {
			return delivered, err
		}
		if len(rows) == 0 {
			return delivered, nil
		}

		for i := range rows {
			ev := rows[i].toEvent()
			d.deliver(ctx, ev)

			// Not marking means the row is relayed again later: at-least-once
			if err := d.outbox.markDelivered(ctx, ev.ID, time.Now()); err != nil {
				return delivered, fmt.Errorf("failed to mark event %d delivered: %w", ev.ID, err)
			}
			delivered++
		}
	}
}

// deliver pushes ev to live subscribers, then records ledger entries. Failures are
// logged; neither step can undo the state change the event describes.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	logger := log.With().
		Str("component", "feed_dispatcher").
		Uint64("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("quote_id", ev.QuoteID).
		Logger()

	for _, topic := range topicsFor(ev) {
		topic := topic
		err := retry.WithRetries(ctx, func(ctx context.Context) error {
			return d.broker.Publish(ctx, topic, ev)
		}, d.opts.MaxRetries, d.opts.RetryDelay, retry.Always)
		if err != nil {
			logger.Warn().Err(err).Str("topic", topic).Msg("failed to push event")
		}
	}

	if d.ledger == nil {
		return
	}
	for _, entry := range ledgerEntries(ev) {
		entry := entry
		err := retry.WithRetries(ctx, func(ctx context.Context) error {
			return d.ledger.Increment(ctx, entry.dealerID, entry.kind)
		}, d.opts.MaxRetries, d.opts.RetryDelay, retry.Always)
		if err != nil {
			logger.Error().
				Err(err).
				Str("dealer_id", entry.dealerID).
				Str("notification_kind", string(entry.kind)).
				Msg("failed to record notification")
		}
	}

	logger.Debug().Int("recipients", len(ev.Audience)).Msg("event delivered")
}

// Subscribe opens a stream on topic that only carries events visible to principal
func (d *Dispatcher) Subscribe(ctx context.Context, principal types.Principal, topic string) (Subscription, error) {
	return d.broker.Subscribe(ctx, topic, func(ev Event) bool {
		return ev.VisibleTo(principal)
	})
}

func topicsFor(ev Event) []string {
	topics := make([]string, 0, len(ev.Audience)+1)
	topics = append(topics, QuoteTopic(ev.QuoteID))
	seen := make(map[string]bool, len(ev.Audience))
	for _, r := range ev.Audience {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		topics = append(topics, PrincipalTopic(r.ID))
	}
	return topics
}

type ledgerEntry struct {
	dealerID string
	kind     notifications.Kind
}

func ledgerEntries(ev Event) []ledgerEntry {
	var kind notifications.Kind
	switch ev.Kind {
	case KindQuoteOpened:
		kind = notifications.KindNewOpportunity
	case KindBidAccepted:
		kind = notifications.KindAcceptance
	default:
		return nil
	}

	var entries []ledgerEntry
	for _, r := range ev.Audience {
		if r.Role == types.RoleDealer {
			entries = append(entries, ledgerEntry{dealerID: r.ID, kind: kind})
		}
	}
	return entries
}

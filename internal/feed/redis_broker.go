package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisChannelPrefix = "carquote:feed:"

// RedisBroker fans events out through Redis pub/sub so every API instance can serve
// subscribers for any quote.
type RedisBroker struct {
	client *redis.Client
	buffer int
}

// NewRedisBroker creates a broker over an existing Redis client
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		buffer: 64,
	}
}

// ConnectRedis opens and pings a Redis client
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string, filter Filter) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, redisChannelPrefix+topic)
	// Wait for the subscription to be confirmed so no event published after this
	// call returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.forward(ctx, topic, filter)
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) forward(ctx context.Context, topic string, filter Filter) {
	defer close(s.ch)
	logger := log.With().Str("component", "redis_broker").Str("topic", topic).Logger()

	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Error().Err(err).Msg("failed to decode event")
				continue
			}
			if filter != nil && !filter(ev) {
				continue
			}

			select {
			case s.ch <- ev:
			default:
				logger.Warn().Uint64("event_id", ev.ID).Msg("subscriber buffer full, dropping event")
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if err := s.pubsub.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close redis subscription")
		}
	})
}

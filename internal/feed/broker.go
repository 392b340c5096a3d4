package feed

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Filter decides whether a subscriber receives an event
type Filter func(Event) bool

// Broker moves committed events to live subscribers. Delivery is fire-and-forget:
// a subscriber that falls behind or disconnects re-reads state instead of replaying.
type Broker interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string, filter Filter) (Subscription, error)
	Close() error
}

// Subscription is a live stream of events on one topic
type Subscription interface {
	Events() <-chan Event
	Close()
}

// MemoryBroker fans events out to subscribers within this process
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
}

// NewMemoryBroker creates a broker whose subscribers buffer up to buffer events
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBroker{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[topic] {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("component", "memory_broker").
				Str("topic", topic).
				Uint64("event_id", ev.ID).
				Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, filter Filter) (Subscription, error) {
	sub := &memorySubscription{
		broker: b,
		topic:  topic,
		filter: filter,
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers returns the number of live subscriptions on topic
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemoryBroker) Close() error {
	b.mu.RLock()
	var all []*memorySubscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	filter Filter
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs[s.topic], s)
		if len(s.broker.subs[s.topic]) == 0 {
			delete(s.broker.subs, s.topic)
		}
		s.broker.mu.Unlock()

		close(s.ch)
		close(s.done)
	})
}

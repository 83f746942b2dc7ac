package lattice

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBusBuffer = 64

// EventBus fans lattice events out to kind-filtered subscribers.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[*busSubscription]struct{}
	done       chan struct{}
	bufferSize int
}

// NewEventBus creates a bus with the default per-subscriber buffer (64).
func NewEventBus() *EventBus {
	return NewEventBusWithBuffer(defaultBusBuffer)
}

func NewEventBusWithBuffer(size int) *EventBus {
	if size <= 0 {
		size = defaultBusBuffer
	}
	return &EventBus{
		subs:       make(map[*busSubscription]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

type busSubscription struct {
	bus   *EventBus
	kinds []string
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

func (s *busSubscription) Events() <-chan Event {
	return s.ch
}

func (s *busSubscription) Close() error {
	s.bus.remove(s)
	return nil
}

func (s *busSubscription) shutdown() {
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}

func (s *busSubscription) wants(kind string) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Subscribe registers a subscription before returning, so every event published
// afterwards is delivered. An empty kinds list receives everything. The
// subscription is released on Close or when ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, kinds []string) (Subscription, error) {
	sub := &busSubscription{
		bus:   b,
		kinds: slices.Clone(kinds),
		ch:    make(chan Event, b.bufferSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		sub.shutdown()
		return sub, nil
	default:
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish delivers event to matching subscribers without blocking; a full
// subscriber drops the event.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub := range b.subs {
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			log.Warn().Msgf("lattice.EventBus dropped event kind=%q host_id=%q ref=%q", event.Kind, event.HostID, event.ArtifactRef)
		}
	}
}

func (b *EventBus) remove(sub *busSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.shutdown()
}

// Close shuts down the bus and closes every subscriber channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		sub.shutdown()
	}
	b.subs = make(map[*busSubscription]struct{})
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pubsub provides a typed in-process event broker.
package pubsub

import (
	"context"
	"sync"

	"github.com/teradata-labs/relay/internal/log"
	"go.uber.org/zap"
)

// EventType represents the type of event.
type EventType int

const (
	// CreatedEvent indicates a new item was created.
	CreatedEvent EventType = iota
	// UpdatedEvent indicates an existing item was updated.
	UpdatedEvent
	// DeletedEvent indicates an item was deleted.
	DeletedEvent
)

// Event wraps an event with type information.
type Event[T any] struct {
	Type    EventType
	Payload T
}

// NewCreatedEvent creates a new "created" event.
func NewCreatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: CreatedEvent, Payload: payload}
}

// NewUpdatedEvent creates a new "updated" event.
func NewUpdatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: UpdatedEvent, Payload: payload}
}

// NewDeletedEvent creates a new "deleted" event.
func NewDeletedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: DeletedEvent, Payload: payload}
}

// DefaultMaxSubscribers bounds observer growth per broker.
const DefaultMaxSubscribers = 50

// subscriberBuffer is the per-subscriber channel capacity. Publishes to a
// full subscriber drop rather than block the publisher.
const subscriberBuffer = 64

// Broker is a many-publisher, many-subscriber event bus for a single payload
// type. Subscribers receive events in publish order. A nil Broker is safe to
// publish to (no-op), which lets optional observers stay unwired in tests.
type Broker[T any] struct {
	mu             sync.RWMutex
	subscribers    map[int]chan Event[T]
	nextID         int
	maxSubscribers int
	shutdown       bool
}

// NewBroker creates a broker with the default subscriber ceiling.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithLimit[T](DefaultMaxSubscribers)
}

// NewBrokerWithLimit creates a broker with an explicit subscriber ceiling.
func NewBrokerWithLimit[T any](maxSubscribers int) *Broker[T] {
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultMaxSubscribers
	}
	return &Broker[T]{
		subscribers:    make(map[int]chan Event[T]),
		maxSubscribers: maxSubscribers,
	}
}

// Subscribe registers a subscriber bound to ctx. The returned channel is
// closed when ctx is done or the broker shuts down. Returns a closed channel
// when the subscriber ceiling is reached.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	if b.shutdown || len(b.subscribers) >= b.maxSubscribers {
		b.mu.Unlock()
		ch := make(chan Event[T])
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event[T], subscriberBuffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return ch
}

func (b *Broker[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish delivers an event to every current subscriber. Subscribers whose
// buffers are full miss the event; delivery never blocks the publisher, but
// every drop is logged so a stalled listener is visible.
func (b *Broker[T]) Publish(t EventType, payload T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.shutdown {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- Event[T]{Type: t, Payload: payload}:
		default:
			log.Warn("dropping event for stalled subscriber",
				zap.Int("subscriber", id),
				zap.Int("buffer", subscriberBuffer))
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Shutdown closes all subscriber channels and rejects further subscriptions.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

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

package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishOrder(t *testing.T) {
	b := NewBroker[int]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	for i := 0; i < 10; i++ {
		b.Publish(CreatedEvent, i)
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, i, ev.Payload)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBroker_SubscriberCeiling(t *testing.T) {
	b := NewBrokerWithLimit[string](2)
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Subscribe(ctx)
	b.Subscribe(ctx)
	assert.Equal(t, 2, b.SubscriberCount())

	// Over the ceiling: channel comes back closed immediately.
	ch := b.Subscribe(ctx)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 2, b.SubscriberCount())
}

func TestBroker_UnsubscribeOnContextCancel(t *testing.T) {
	b := NewBroker[int]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	assert.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroker_Shutdown(t *testing.T) {
	b := NewBroker[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	b.Shutdown()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after shutdown is a no-op.
	b.Publish(CreatedEvent, 1)
}

func TestBroker_StalledSubscriberNeverBlocksPublish(t *testing.T) {
	b := NewBroker[int]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stalled := b.Subscribe(ctx)
	healthy := b.Subscribe(ctx)

	// Overfill the stalled subscriber's buffer while nobody reads it.
	total := subscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(CreatedEvent, i)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	// Each subscriber keeps the first bufferful in publish order; the
	// overflow is dropped, not reordered.
	received := 0
	for received < subscriberBuffer {
		select {
		case ev := <-healthy:
			assert.Equal(t, received, ev.Payload)
			received++
		case <-time.After(time.Second):
			t.Fatalf("subscriber stalled at event %d", received)
		}
	}

	// The stalled subscriber kept exactly one buffer's worth, in order.
	assert.Len(t, stalled, subscriberBuffer)
}

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

package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/relay/pkg/types"
)

func TestRequestConfirmation_MatchedByCorrelationID(t *testing.T) {
	bus := NewBusWithTimeout(2 * time.Second)
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Answerer: respond to whatever request shows up, plus publish a decoy
	// response with a foreign correlation id first.
	sub := bus.Subscribe(ctx)
	go func() {
		for ev := range sub {
			if ev.Payload.Type != ToolConfirmationRequest {
				continue
			}
			bus.Respond("someone-else", ProceedOnce, nil)
			bus.Respond(ev.Payload.CorrelationID, ProceedAlways, map[string]any{"note": "ok"})
			return
		}
	}()

	call := types.ToolCallRequest{CallID: "call_1", Name: "write_file"}
	resp, err := bus.RequestConfirmation(ctx, call, "")
	require.NoError(t, err)
	assert.Equal(t, ProceedAlways, resp.Outcome)
	assert.True(t, resp.Confirmed)
	assert.Equal(t, "ok", resp.Payload["note"])
}

func TestRequestConfirmation_Timeout(t *testing.T) {
	bus := NewBusWithTimeout(50 * time.Millisecond)
	defer bus.Shutdown()

	call := types.ToolCallRequest{CallID: "call_1", Name: "write_file"}
	_, err := bus.RequestConfirmation(context.Background(), call, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRequestConfirmation_ContextCancelled(t *testing.T) {
	bus := NewBusWithTimeout(time.Minute)
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	call := types.ToolCallRequest{CallID: "call_1", Name: "write_file"}
	_, err := bus.RequestConfirmation(ctx, call, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestBucketAuth(t *testing.T) {
	bus := NewBusWithTimeout(2 * time.Second)
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx)
	go func() {
		for ev := range sub {
			if ev.Payload.Type != BucketAuthRequest {
				continue
			}
			assert.Equal(t, "anthropic", ev.Payload.Provider)
			assert.Equal(t, 1, ev.Payload.BucketIndex)
			bus.Publish(Message{
				Type:          BucketAuthResponse,
				CorrelationID: ev.Payload.CorrelationID,
				Confirmed:     true,
			})
			return
		}
	}()

	resp, err := bus.RequestBucketAuth(ctx, "anthropic", "work-account", 1, 3)
	require.NoError(t, err)
	assert.True(t, resp.Confirmed)
}

func TestRejectByPolicy_Broadcast(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)

	call := types.ToolCallRequest{CallID: "call_9", Name: "run_shell"}
	bus.RejectByPolicy(call, "denied by policy")

	select {
	case ev := <-sub:
		assert.Equal(t, ToolPolicyRejection, ev.Payload.Type)
		assert.Equal(t, "run_shell", ev.Payload.ToolCall.Name)
		assert.Equal(t, "denied by policy", ev.Payload.Reason)
	case <-time.After(time.Second):
		t.Fatal("policy rejection was not delivered")
	}
}

func TestSubscriberCeiling(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 50; i++ {
		bus.Subscribe(ctx)
	}
	assert.Equal(t, 50, bus.SubscriberCount())

	// The 51st subscription is rejected with a closed channel.
	extra := bus.Subscribe(ctx)
	_, ok := <-extra
	assert.False(t, ok)
	assert.Equal(t, 50, bus.SubscriberCount())
}

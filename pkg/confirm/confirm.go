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

// Package confirm is the typed confirmation bus between the scheduler and
// whatever surface the user answers from. Requests and responses are matched
// by correlation id.
package confirm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teradata-labs/relay/internal/pubsub"
	"github.com/teradata-labs/relay/pkg/types"
)

// MessageType discriminates bus messages.
type MessageType string

const (
	ToolConfirmationRequest  MessageType = "TOOL_CONFIRMATION_REQUEST"
	ToolConfirmationResponse MessageType = "TOOL_CONFIRMATION_RESPONSE"
	ToolPolicyRejection      MessageType = "TOOL_POLICY_REJECTION"
	BucketAuthRequest        MessageType = "BUCKET_AUTH_CONFIRMATION_REQUEST"
	BucketAuthResponse       MessageType = "BUCKET_AUTH_CONFIRMATION_RESPONSE"
)

// Outcome is the user's answer to a tool confirmation.
type Outcome string

const (
	ProceedOnce      Outcome = "ProceedOnce"
	ProceedAlways    Outcome = "ProceedAlways"
	Cancel           Outcome = "Cancel"
	ModifyWithEditor Outcome = "ModifyWithEditor"

	// Timeout is recorded by the scheduler when a confirmation request
	// expires unanswered; it is never sent over the bus.
	Timeout Outcome = "timeout"
)

// DefaultTimeout bounds how long a confirmation request waits for an answer.
const DefaultTimeout = 300 * time.Second

// Message is the bus payload. Fields beyond Type and CorrelationID are
// populated per message type.
type Message struct {
	Type          MessageType            `json:"type"`
	CorrelationID string                 `json:"correlationId"`
	ToolCall      *types.ToolCallRequest `json:"toolCall,omitempty"`
	ServerName    string                 `json:"serverName,omitempty"`
	Outcome       Outcome                `json:"outcome,omitempty"`
	Payload       map[string]any         `json:"payload,omitempty"`
	Confirmed     bool                   `json:"confirmed,omitempty"`
	Reason        string                 `json:"reason,omitempty"`

	// Bucket auth fields.
	Provider     string `json:"provider,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	BucketIndex  int    `json:"bucketIndex,omitempty"`
	TotalBuckets int    `json:"totalBuckets,omitempty"`
}

// Bus is the confirmation pub/sub. It enforces the broker's subscriber
// ceiling to bound observer growth.
type Bus struct {
	broker  *pubsub.Broker[Message]
	timeout time.Duration
}

// NewBus creates a bus with the default timeout and listener ceiling.
func NewBus() *Bus {
	return &Bus{
		broker:  pubsub.NewBroker[Message](),
		timeout: DefaultTimeout,
	}
}

// NewBusWithTimeout creates a bus with an explicit confirmation timeout.
func NewBusWithTimeout(timeout time.Duration) *Bus {
	b := NewBus()
	b.timeout = timeout
	return b
}

// Subscribe registers a listener. The subscription ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan pubsub.Event[Message] {
	return b.broker.Subscribe(ctx)
}

// Publish broadcasts a message to all subscribers in publish order.
func (b *Bus) Publish(msg Message) {
	b.broker.Publish(pubsub.CreatedEvent, msg)
}

// NewCorrelationID mints a correlation id for a request/response pair.
func NewCorrelationID() string {
	return uuid.NewString()
}

// RequestConfirmation publishes a TOOL_CONFIRMATION_REQUEST for the call and
// blocks until the matching response arrives, the timeout fires, or ctx is
// cancelled.
func (b *Bus) RequestConfirmation(ctx context.Context, call types.ToolCallRequest, serverName string) (Message, error) {
	req := Message{
		Type:          ToolConfirmationRequest,
		CorrelationID: NewCorrelationID(),
		ToolCall:      &call,
		ServerName:    serverName,
	}
	return b.await(ctx, req, ToolConfirmationResponse)
}

// RequestBucketAuth asks the user to authorize one credential bucket before
// the load balancer rotates onto it.
func (b *Bus) RequestBucketAuth(ctx context.Context, provider, bucket string, bucketIndex, totalBuckets int) (Message, error) {
	req := Message{
		Type:          BucketAuthRequest,
		CorrelationID: NewCorrelationID(),
		Provider:      provider,
		Bucket:        bucket,
		BucketIndex:   bucketIndex,
		TotalBuckets:  totalBuckets,
	}
	return b.await(ctx, req, BucketAuthResponse)
}

func (b *Bus) await(ctx context.Context, req Message, want MessageType) (Message, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before publishing so the response cannot race past us. At
	// the listener ceiling the broker hands back a closed channel and the
	// request fails immediately below.
	sub := b.broker.Subscribe(subCtx)
	b.Publish(req)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return Message{}, fmt.Errorf("confirmation bus closed")
			}
			if ev.Payload.Type == want && ev.Payload.CorrelationID == req.CorrelationID {
				return ev.Payload, nil
			}
		case <-timer.C:
			return Message{}, fmt.Errorf("confirmation %s timed out after %s", req.CorrelationID, b.timeout)
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Respond publishes a TOOL_CONFIRMATION_RESPONSE for a pending request.
func (b *Bus) Respond(correlationID string, outcome Outcome, payload map[string]any) {
	b.Publish(Message{
		Type:          ToolConfirmationResponse,
		CorrelationID: correlationID,
		Outcome:       outcome,
		Payload:       payload,
		Confirmed:     outcome == ProceedOnce || outcome == ProceedAlways,
	})
}

// RespondBucketAuth publishes a BUCKET_AUTH_CONFIRMATION_RESPONSE for a
// pending bucket authorization.
func (b *Bus) RespondBucketAuth(correlationID string, confirmed bool) {
	b.Publish(Message{
		Type:          BucketAuthResponse,
		CorrelationID: correlationID,
		Confirmed:     confirmed,
	})
}

// RejectByPolicy publishes a TOOL_POLICY_REJECTION notification.
func (b *Bus) RejectByPolicy(call types.ToolCallRequest, reason string) {
	b.Publish(Message{
		Type:          ToolPolicyRejection,
		CorrelationID: NewCorrelationID(),
		ToolCall:      &call,
		Reason:        reason,
	})
}

// SubscriberCount reports the live listener count.
func (b *Bus) SubscriberCount() int {
	return b.broker.SubscriberCount()
}

// Shutdown closes all subscriptions.
func (b *Bus) Shutdown() {
	b.broker.Shutdown()
}

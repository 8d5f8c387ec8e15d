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

package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/relay/pkg/profile"
	"github.com/teradata-labs/relay/pkg/provider"
	"github.com/teradata-labs/relay/pkg/types"
)

type scriptedDriver struct {
	name   string
	events []types.Event
	err    error
	calls  int
}

func (d *scriptedDriver) Name() string { return d.name }

func (d *scriptedDriver) GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error) {
	d.calls++
	if d.err != nil {
		ch := make(chan types.Event, 1)
		ch <- types.ErrorEvent(d.err)
		close(ch)
		return ch, nil
	}
	ch := make(chan types.Event, len(d.events))
	for _, ev := range d.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func passthroughBuilder(p *profile.Profile) (*types.NormalizedRequest, error) {
	return &types.NormalizedRequest{
		ProviderOptions: types.ProviderOptions{Provider: p.Provider, Model: p.Model},
	}, nil
}

func drain(t *testing.T, ch <-chan types.Event) []types.Event {
	t.Helper()
	var out []types.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestRoute_StandardProfile(t *testing.T) {
	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("work", &profile.Profile{Provider: "openai", Model: "gpt-4.1"}))

	r := New(store)
	driver := &scriptedDriver{name: "openai", events: []types.Event{
		types.ContentEvent("hello"),
		types.FinishEvent(types.FinishStop),
	}}
	r.RegisterDriver("openai", driver)

	ch, err := r.Route(context.Background(), "work", passthroughBuilder)
	require.NoError(t, err)
	events := drain(t, ch)
	assert.Equal(t, 1, driver.calls)
	assert.Equal(t, "hello", events[0].Text)
}

func TestRoute_ProfileNotFound(t *testing.T) {
	r := New(profile.NewStoreAt(t.TempDir()))
	_, err := r.Route(context.Background(), "nope", passthroughBuilder)
	require.EqualError(t, err, "Profile 'nope' not found")
}

func TestRoute_LoadBalancerFailsOver(t *testing.T) {
	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("primary", &profile.Profile{Provider: "openai", Model: "gpt-4.1"}))
	require.NoError(t, store.Save("backup", &profile.Profile{Provider: "anthropic", Model: "claude-sonnet-4-5-20250929"}))
	require.NoError(t, store.Save("pool", &profile.Profile{
		Type:     profile.TypeLoadBalancer,
		Provider: "openai",
		Model:    "gpt-4.1",
		Policy:   "failover",
		Profiles: []string{"primary", "backup"},
		EphemeralSettings: map[string]any{
			"failover_retry_count": 1,
			"retry_wait_ms":        1,
		},
	}))

	r := New(store)
	failing := &scriptedDriver{name: "openai", err: provider.NewAPIError("openai", 503, "down")}
	healthy := &scriptedDriver{name: "anthropic", events: []types.Event{
		types.ContentEvent("from backup"),
		types.UsageEvent(types.Usage{PromptTokens: 1, CandidatesTokens: 1, TotalTokens: 2}),
		types.FinishEvent(types.FinishStop),
	}}
	r.RegisterDriver("openai", failing)
	r.RegisterDriver("anthropic", healthy)

	ch, err := r.Route(context.Background(), "pool", passthroughBuilder)
	require.NoError(t, err)
	events := drain(t, ch)

	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.calls)
	var text string
	for _, ev := range events {
		if ev.Type == types.EventContent {
			text += ev.Text
		}
	}
	assert.Equal(t, "from backup", text)
}

func TestRoute_NestedLoadBalancerRejected(t *testing.T) {
	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("inner", &profile.Profile{
		Type: profile.TypeLoadBalancer, Provider: "openai", Model: "gpt-4.1",
		Policy: "failover", Profiles: []string{"x"},
	}))
	require.NoError(t, store.Save("outer", &profile.Profile{
		Type: profile.TypeLoadBalancer, Provider: "openai", Model: "gpt-4.1",
		Policy: "failover", Profiles: []string{"inner"},
	}))

	r := New(store)
	_, err := r.Route(context.Background(), "outer", passthroughBuilder)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is itself a loadbalancer")
}

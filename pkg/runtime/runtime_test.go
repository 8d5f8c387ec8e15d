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

package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/relay/pkg/confirm"
	"github.com/teradata-labs/relay/pkg/policy"
	"github.com/teradata-labs/relay/pkg/profile"
	"github.com/teradata-labs/relay/pkg/provider"
	"github.com/teradata-labs/relay/pkg/recorder"
	"github.com/teradata-labs/relay/pkg/router"
	"github.com/teradata-labs/relay/pkg/scheduler"
	"github.com/teradata-labs/relay/pkg/types"
)

type scriptedDriver struct {
	scripts [][]types.Event
	calls   int
}

func (d *scriptedDriver) Name() string { return "openai" }

func (d *scriptedDriver) GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error) {
	script := d.scripts[len(d.scripts)-1]
	if d.calls < len(d.scripts) {
		script = d.scripts[d.calls]
	}
	d.calls++
	ch := make(chan types.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newRuntime(t *testing.T, driver *scriptedDriver, sched *scheduler.Scheduler) *Context {
	t.Helper()
	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("default", &profile.Profile{Provider: "openai", Model: "gpt-4.1"}))

	r := router.New(store)
	r.RegisterDriver("openai", driver)

	rt, err := New(Config{
		SessionID:   "test-session-0001",
		ChatsDir:    t.TempDir(),
		ProfileName: "default",
		Router:      r,
		Scheduler:   sched,
	})
	require.NoError(t, err)
	return rt
}

func drainFrames(t *testing.T, ch <-chan Frame) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out draining frames")
		}
	}
}

func textEvents(text string) []types.Event {
	return []types.Event{
		types.ContentEvent(text),
		types.UsageEvent(types.Usage{PromptTokens: 10, CandidatesTokens: 5, TotalTokens: 15}),
		types.FinishEvent(types.FinishStop),
	}
}

func toolCallEvents(callID, name, args string) []types.Event {
	return []types.Event{
		types.FragmentEvent(types.ToolCallFragment{Index: 0, CallID: callID, Name: name, Args: args}),
		types.UsageEvent(types.Usage{PromptTokens: 8, CandidatesTokens: 4, TotalTokens: 12}),
		types.FinishEvent(types.FinishToolCalls),
	}
}

func TestSubmitQuery_TextEndsWithFinalFrame(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]types.Event{textEvents("Hello there.")}}
	rt := newRuntime(t, driver, nil)

	frames, err := rt.SubmitQuery(context.Background(), "hi")
	require.NoError(t, err)
	out := drainFrames(t, frames)

	require.NotEmpty(t, out)
	last := out[len(out)-1]
	assert.True(t, last.Final)
	assert.Equal(t, "input-required", last.Metadata["state-change"])
	assert.Equal(t, true, last.Metadata["final"])

	var text string
	for _, f := range out[:len(out)-1] {
		text += f.Content.Text()
	}
	assert.Equal(t, "Hello there.", text)
}

func TestSubmitQuery_ToolLoop(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]types.Event{
		toolCallEvents("call_1", "ls", `{"dir":"."}`),
		textEvents("Found two files."),
	}}
	sched := scheduler.New(scheduler.Config{Policy: policy.NewEngine(policy.Allow)})
	sched.Register("ls", func(ctx context.Context, call types.ToolCallRequest) (any, error) {
		return "a.go\nb.go", nil
	})
	rt := newRuntime(t, driver, sched)

	frames, err := rt.SubmitQuery(context.Background(), "list files")
	require.NoError(t, err)
	drainFrames(t, frames)

	assert.Equal(t, 2, driver.calls)

	// Every tool_call has a matching tool_response before the final text.
	history := rt.History()
	require.Len(t, history, 4)
	assert.Equal(t, types.SpeakerHuman, history[0].Speaker)
	require.Len(t, history[1].ToolCalls(), 1)
	assert.Equal(t, "call_1", history[1].ToolCalls()[0].ID)
	assert.Equal(t, types.SpeakerTool, history[2].Speaker)
	assert.Equal(t, "call_1", history[2].Blocks[0].CallID)
	assert.Equal(t, "Found two files.", history[3].Text())

	// Usage accumulates across both turns.
	usage := rt.Usage()
	assert.Equal(t, 18, usage.PromptTokens)
	assert.Equal(t, 27, usage.TotalTokens)
}

func TestSubmitQuery_DuplicateCallIDSchedulesOnce(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]types.Event{
		{
			types.FragmentEvent(types.ToolCallFragment{Index: 0, CallID: "duplicate-call-123", Name: "ls", Args: "{}"}),
			types.FragmentEvent(types.ToolCallFragment{Index: 1, CallID: "duplicate-call-123", Name: "ls", Args: "{}"}),
			types.FinishEvent(types.FinishToolCalls),
		},
		textEvents("done"),
	}}
	executions := 0
	sched := scheduler.New(scheduler.Config{Policy: policy.NewEngine(policy.Allow)})
	sched.Register("ls", func(ctx context.Context, call types.ToolCallRequest) (any, error) {
		executions++
		return "ok", nil
	})
	rt := newRuntime(t, driver, sched)

	frames, err := rt.SubmitQuery(context.Background(), "go")
	require.NoError(t, err)
	drainFrames(t, frames)

	assert.Equal(t, 1, executions)
}

func TestSubmitQuery_CancelledToolSynthesizesResponse(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]types.Event{
		toolCallEvents("call_123", "write_file", `{"path":"x"}`),
		textEvents("Understood."),
	}}
	bus := confirm.NewBusWithTimeout(2 * time.Second)
	defer bus.Shutdown()
	sched := scheduler.New(scheduler.Config{Policy: policy.NewEngine(policy.AskUser), Bus: bus})
	sched.Register("write_file", func(ctx context.Context, call types.ToolCallRequest) (any, error) {
		return "written", nil
	})
	rt := newRuntime(t, driver, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)
	go func() {
		for ev := range sub {
			if ev.Payload.Type == confirm.ToolConfirmationRequest {
				bus.Respond(ev.Payload.CorrelationID, confirm.Cancel, nil)
			}
		}
	}()

	frames, err := rt.SubmitQuery(ctx, "write the file")
	require.NoError(t, err)
	drainFrames(t, frames)

	// The next outbound request sees the synthesized response right after
	// the assistant message.
	history := rt.History()
	var found bool
	for i, content := range history {
		if content.Speaker != types.SpeakerAI || len(content.ToolCalls()) == 0 {
			continue
		}
		require.Greater(t, len(history), i+1)
		response := history[i+1]
		assert.Equal(t, types.SpeakerTool, response.Speaker)
		assert.Equal(t, "call_123", response.Blocks[0].CallID)
		assert.Equal(t, scheduler.CancelledByUserMessage, response.Blocks[0].Result)
		found = true
	}
	assert.True(t, found)
}

// relentlessDriver asks for another tool call on every turn, each with a
// fresh call id.
type relentlessDriver struct {
	calls int
}

func (d *relentlessDriver) Name() string { return "openai" }

func (d *relentlessDriver) GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error) {
	d.calls++
	script := toolCallEvents(fmt.Sprintf("call_%d", d.calls), "ping", "{}")
	ch := make(chan types.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestSubmitQuery_MaxTurnsTerminates(t *testing.T) {
	driver := &relentlessDriver{}
	sched := scheduler.New(scheduler.Config{Policy: policy.NewEngine(policy.Allow)})
	sched.Register("ping", func(ctx context.Context, call types.ToolCallRequest) (any, error) {
		return "pong", nil
	})

	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("default", &profile.Profile{Provider: "openai", Model: "gpt-4.1"}))
	r := router.New(store)
	r.RegisterDriver("openai", driver)

	rt, err := New(Config{
		SessionID:   "loopy",
		ChatsDir:    t.TempDir(),
		ProfileName: "default",
		Router:      r,
		Scheduler:   sched,
		MaxTurns:    3,
	})
	require.NoError(t, err)

	frames, err := rt.SubmitQuery(context.Background(), "go")
	require.NoError(t, err)
	out := drainFrames(t, frames)

	last := out[len(out)-1]
	assert.True(t, last.Final)
	assert.Equal(t, "MAX_TURNS_EXCEEDED", last.Metadata["summary"])
	assert.LessOrEqual(t, driver.calls, 3)
}

// stallingDriver holds its stream open until released.
type stallingDriver struct {
	release chan struct{}
}

func (d *stallingDriver) Name() string { return "openai" }

func (d *stallingDriver) GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error) {
	ch := make(chan types.Event)
	go func() {
		defer close(ch)
		<-d.release
		for _, ev := range textEvents("slow") {
			ch <- ev
		}
	}()
	return ch, nil
}

func TestSubmitQuery_RejectsConcurrentQueries(t *testing.T) {
	driver := &stallingDriver{release: make(chan struct{})}
	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("default", &profile.Profile{Provider: "openai", Model: "gpt-4.1"}))
	r := router.New(store)
	r.RegisterDriver("openai", driver)

	rt, err := New(Config{
		SessionID:   "busy-session",
		ChatsDir:    t.TempDir(),
		ProfileName: "default",
		Router:      r,
	})
	require.NoError(t, err)

	frames, err := rt.SubmitQuery(context.Background(), "first")
	require.NoError(t, err)

	_, err = rt.SubmitQuery(context.Background(), "second")
	assert.Error(t, err)

	close(driver.release)
	drainFrames(t, frames)

	// The session frees up once the first query completes.
	frames, err = rt.SubmitQuery(context.Background(), "third")
	require.NoError(t, err)
	drainFrames(t, frames)
}

func TestSettingsService_SnapshotAndEvents(t *testing.T) {
	s := NewSettingsService(map[string]any{"temperature": 0.7})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch := s.Watch(ctx)

	s.Set("max-tokens", 2048)

	snap := s.Snapshot()
	assert.Equal(t, 0.7, snap["temperature"])
	assert.Equal(t, 2048, snap["max-tokens"])

	select {
	case ev := <-watch:
		assert.Equal(t, "max-tokens", ev.Payload.Key)
		assert.Equal(t, 2048, ev.Payload.Value)
	case <-time.After(time.Second):
		t.Fatal("setting change event was not delivered")
	}

	// Mutating the snapshot does not touch the service.
	snap["temperature"] = 0.0
	v, _ := s.Get("temperature")
	assert.Equal(t, 0.7, v)
}

func readJournal(t *testing.T, rt *Context) []recorder.JournalLine {
	t.Helper()
	rt.Recorder().Flush()
	path := rt.Recorder().FilePath()
	require.NotEmpty(t, path)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []recorder.JournalLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line recorder.JournalLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestSubmitQuery_JournalBeginsWithSessionStart(t *testing.T) {
	driver := &scriptedDriver{scripts: [][]types.Event{textEvents("hello")}}
	rt := newRuntime(t, driver, nil)

	frames, err := rt.SubmitQuery(context.Background(), "hi")
	require.NoError(t, err)
	drainFrames(t, frames)

	lines := readJournal(t, rt)
	require.NotEmpty(t, lines)
	assert.Equal(t, recorder.TypeSessionStart, lines[0].Type)
	payload, ok := lines[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test-session-0001", payload["sessionId"])
	assert.Equal(t, "default", payload["profile"])
}

func TestSubmitQuery_JournalsProviderSwitch(t *testing.T) {
	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("p1", &profile.Profile{Provider: "openai", Model: "gpt-4.1"}))
	require.NoError(t, store.Save("p2", &profile.Profile{Provider: "anthropic", Model: "claude-sonnet-4"}))
	require.NoError(t, store.Save("pool", &profile.Profile{
		Type:     profile.TypeLoadBalancer,
		Provider: "openai",
		Model:    "gpt-4.1",
		Policy:   "failover",
		Profiles: []string{"p1", "p2"},
		EphemeralSettings: map[string]any{
			"failover_retry_count": 1,
			"retry_wait_ms":        1,
		},
	}))

	failing := &scriptedDriver{scripts: [][]types.Event{
		{types.ErrorEvent(provider.NewAPIError("openai", 503, "down"))},
	}}
	healthy := &scriptedDriver{scripts: [][]types.Event{textEvents("served by p2")}}

	r := router.New(store)
	r.RegisterDriver("openai", failing)
	r.RegisterDriver("anthropic", healthy)

	rt, err := New(Config{
		SessionID:   "switchy-session",
		ChatsDir:    t.TempDir(),
		ProfileName: "pool",
		Router:      r,
	})
	require.NoError(t, err)

	frames, err := rt.SubmitQuery(context.Background(), "hi")
	require.NoError(t, err)
	drainFrames(t, frames)

	lines := readJournal(t, rt)
	var switched bool
	for _, line := range lines {
		if line.Type != recorder.TypeProviderSwitch {
			continue
		}
		payload, ok := line.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "pool", payload["profile"])
		assert.Equal(t, "p1", payload["from"])
		assert.Equal(t, "p2", payload["to"])
		switched = true
	}
	assert.True(t, switched)
}

func TestSubmitQuery_MaxTurnsSettingOverridesDefault(t *testing.T) {
	driver := &relentlessDriver{}
	sched := scheduler.New(scheduler.Config{Policy: policy.NewEngine(policy.Allow)})
	sched.Register("ping", func(ctx context.Context, call types.ToolCallRequest) (any, error) {
		return "pong", nil
	})

	store := profile.NewStoreAt(t.TempDir())
	require.NoError(t, store.Save("default", &profile.Profile{Provider: "openai", Model: "gpt-4.1"}))
	r := router.New(store)
	r.RegisterDriver("openai", driver)

	rt, err := New(Config{
		SessionID:   "capped",
		ChatsDir:    t.TempDir(),
		ProfileName: "default",
		Router:      r,
		Scheduler:   sched,
	})
	require.NoError(t, err)
	rt.Settings().Set("max-turns", 2)

	frames, err := rt.SubmitQuery(context.Background(), "go")
	require.NoError(t, err)
	out := drainFrames(t, frames)

	last := out[len(out)-1]
	assert.Equal(t, "MAX_TURNS_EXCEEDED", last.Metadata["summary"])
	assert.LessOrEqual(t, driver.calls, 2)
}

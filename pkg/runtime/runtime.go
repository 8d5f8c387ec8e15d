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

// Package runtime is the per-session container. It owns the settings
// service, session recorder, confirmation bus, tool scheduler, and loop
// detector, and drives the provider/tool-call loop for each submitted query.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/teradata-labs/relay/internal/log"
	"github.com/teradata-labs/relay/pkg/confirm"
	"github.com/teradata-labs/relay/pkg/loopdetect"
	"github.com/teradata-labs/relay/pkg/normalizer"
	"github.com/teradata-labs/relay/pkg/profile"
	"github.com/teradata-labs/relay/pkg/recorder"
	"github.com/teradata-labs/relay/pkg/router"
	"github.com/teradata-labs/relay/pkg/scheduler"
	"github.com/teradata-labs/relay/pkg/types"
	"go.uber.org/zap"
)

// maxTurnsDefault caps provider turns per prompt when the caller sets none.
const maxTurnsDefault = 25

// Frame is one element of the SubmitQuery stream. The terminal frame carries
// the state-change metadata and Final set.
type Frame struct {
	Content  types.Content
	Metadata map[string]any
	Final    bool
}

// Config wires a session's collaborators. Router and ProfileName are
// required; everything else is defaulted.
type Config struct {
	SessionID   string
	ChatsDir    string
	ProfileName string
	Router      *router.Router
	Scheduler   *scheduler.Scheduler
	Bus         *confirm.Bus

	SystemPrompt string
	Tools        []types.ToolSchema
	Settings     map[string]any
	MaxTurns     int

	// ResumeJournal points the recorder at an existing journal file;
	// ResumeLastSeq is the highest seq already written to it.
	ResumeJournal string
	ResumeLastSeq int
}

// Context owns all per-session state. Create one per session; tests create
// their own per case.
type Context struct {
	cfg       Config
	settings  *SettingsService
	recorder  *recorder.Recorder
	bus       *confirm.Bus
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	history []types.Content
	usage   types.Usage
	busy    bool
}

// New creates a session runtime.
func New(cfg Config) (*Context, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.ProfileName == "" {
		return nil, fmt.Errorf("profile name is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = maxTurnsDefault
	}
	bus := cfg.Bus
	if bus == nil {
		bus = confirm.NewBus()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.New(scheduler.Config{Bus: bus})
	}
	rec := recorder.New(cfg.ChatsDir, cfg.SessionID)
	if cfg.ResumeJournal != "" {
		rec.InitializeForResume(cfg.ResumeJournal, cfg.ResumeLastSeq)
	} else {
		rec.Enqueue(recorder.TypeSessionStart, map[string]any{
			"sessionId": cfg.SessionID,
			"profile":   cfg.ProfileName,
		})
	}
	// The session owns its router in this composition; failovers between
	// sub-profiles land in this session's journal.
	cfg.Router.SetSwitchListener(func(profileName, from, to string) {
		rec.Enqueue(recorder.TypeProviderSwitch, map[string]any{
			"profile": profileName,
			"from":    from,
			"to":      to,
		})
	})
	return &Context{
		cfg:       cfg,
		settings:  NewSettingsService(cfg.Settings),
		recorder:  rec,
		bus:       bus,
		scheduler: sched,
	}, nil
}

// SessionID returns the session identifier.
func (c *Context) SessionID() string { return c.cfg.SessionID }

// Settings returns the session's settings service.
func (c *Context) Settings() *SettingsService { return c.settings }

// Bus returns the session's confirmation bus.
func (c *Context) Bus() *confirm.Bus { return c.bus }

// Scheduler returns the session's tool scheduler.
func (c *Context) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Recorder returns the session's journal recorder.
func (c *Context) Recorder() *recorder.Recorder { return c.recorder }

// Usage returns the session's accumulated token totals.
func (c *Context) Usage() types.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// History returns a copy of the session transcript.
func (c *Context) History() []types.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Content, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Context) addUsage(u types.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.PromptTokens += u.PromptTokens
	c.usage.CandidatesTokens += u.CandidatesTokens
	c.usage.TotalTokens += u.TotalTokens
	c.usage.CachedTokens += u.CachedTokens
}

func (c *Context) appendHistory(content types.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, content)
}

func (c *Context) snapshotHistory() []types.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Content, len(c.history))
	copy(out, c.history)
	return out
}

// SubmitQuery runs one prompt through the provider/tool loop. The returned
// stream yields content frames and always ends with a final frame marked
// state-change input-required. One query runs at a time per session.
func (c *Context) SubmitQuery(ctx context.Context, text string) (<-chan Frame, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("a query is already in flight for session %s", c.cfg.SessionID)
	}
	c.busy = true
	c.mu.Unlock()

	human := types.Content{Speaker: types.SpeakerHuman, Blocks: []types.Block{types.TextBlock(text)}}
	c.appendHistory(human)
	c.recorder.Enqueue(recorder.TypeSessionEvent, map[string]any{"event": "query", "promptId": uuid.NewString()})

	frames := make(chan Frame, 16)
	go func() {
		defer close(frames)
		defer func() {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
		}()
		c.runPrompt(ctx, frames)
	}()
	return frames, nil
}

// turnCap resolves the per-prompt turn limit. A maxTurns ephemeral setting
// (any accepted spelling) overrides the configured default.
func (c *Context) turnCap() int {
	for key, value := range c.settings.Snapshot() {
		if normalizer.NormalizeAlias(key) != "maxTurns" {
			continue
		}
		switch n := value.(type) {
		case int:
			if n > 0 {
				return n
			}
		case float64:
			if n > 0 {
				return int(n)
			}
		}
	}
	return c.cfg.MaxTurns
}

func (c *Context) runPrompt(ctx context.Context, frames chan<- Frame) {
	detector := loopdetect.New(loopdetect.Config{MaxTurnsPerPrompt: c.turnCap()})
	promptID := uuid.NewString()
	seenCallIDs := map[string]bool{}

	for {
		detector.TurnStarted()
		if reason, fired := detector.Triggered(); fired {
			c.finish(frames, string(reason))
			return
		}

		turn, err := c.runTurn(ctx, frames, detector, promptID, seenCallIDs)
		if err != nil {
			c.recorder.Enqueue(recorder.TypeSessionEvent, map[string]any{"event": "error", "error": err.Error()})
			c.finish(frames, err.Error())
			return
		}
		if reason, fired := detector.Triggered(); fired {
			c.finish(frames, string(reason))
			return
		}
		if !turn {
			c.finish(frames, "")
			return
		}
	}
}

// runTurn makes one provider call and schedules its tool calls. It reports
// whether another turn is needed.
func (c *Context) runTurn(ctx context.Context, frames chan<- Frame, detector *loopdetect.Detector, promptID string, seenCallIDs map[string]bool) (bool, error) {
	history := c.snapshotHistory()
	stream, err := c.cfg.Router.Route(ctx, c.cfg.ProfileName, func(p *profile.Profile) (*types.NormalizedRequest, error) {
		settings := mergeSettings(p.EphemeralSettings, c.settings.Snapshot())
		in := normalizer.Input{
			Provider:          p.Provider,
			Model:             p.Model,
			History:           history,
			Tools:             c.cfg.Tools,
			SystemPrompt:      c.cfg.SystemPrompt,
			EphemeralSettings: settings,
			AgentID:           c.cfg.SessionID,
			PromptID:          promptID,
		}
		req, err := normalizer.Normalize(in)
		if err != nil {
			return nil, err
		}
		for k, v := range p.ModelParams {
			if _, ok := req.ProviderOptions.ModelParams[k]; !ok {
				req.ProviderOptions.ModelParams[k] = v
			}
		}
		return req, nil
	})
	if err != nil {
		return false, err
	}

	assembler := scheduler.NewAssembler()
	var aiBlocks []types.Block
	var streamErr error

	for ev := range stream {
		switch ev.Type {
		case types.EventContent:
			detector.TextDelta(ev.Text)
			aiBlocks = append(aiBlocks, types.TextBlock(ev.Text))
			c.recorder.Enqueue(recorder.TypeContent, map[string]any{"text": ev.Text})
			frames <- Frame{Content: types.Content{
				Speaker: types.SpeakerAI,
				Blocks:  []types.Block{types.TextBlock(ev.Text)},
			}}
		case types.EventThinking:
			aiBlocks = append(aiBlocks, types.ThinkingBlock(ev.Thought, types.ThinkingFromThinking))
		case types.EventFragment:
			assembler.Add(*ev.Fragment)
		case types.EventUsage:
			if ev.Usage != nil {
				c.addUsage(*ev.Usage)
			}
		case types.EventError:
			streamErr = ev.Err
		}
	}
	if streamErr != nil {
		return false, streamErr
	}

	// A callId repeated within or across a stream never schedules twice.
	var calls []types.ToolCallRequest
	for _, call := range assembler.Finalize(c.cfg.SessionID, promptID) {
		if call.CallID != "" && seenCallIDs[call.CallID] {
			log.Warn("dropping duplicate tool call", zap.String("call_id", call.CallID))
			continue
		}
		seenCallIDs[call.CallID] = true
		calls = append(calls, call)
	}

	if len(calls) == 0 {
		if len(aiBlocks) > 0 {
			c.appendHistory(types.Content{Speaker: types.SpeakerAI, Blocks: aiBlocks})
		}
		return false, nil
	}

	for _, call := range calls {
		detector.ToolCall(call.Name, call.Args)
		aiBlocks = append(aiBlocks, types.ToolCallBlock(call.CallID, call.Name, call.Args))
	}
	aiContent := types.Content{Speaker: types.SpeakerAI, Blocks: aiBlocks}
	c.appendHistory(aiContent)
	frames <- Frame{Content: aiContent}

	if _, fired := detector.Triggered(); fired {
		c.synthesizeCancelled(frames, calls)
		return false, nil
	}

	batch := c.scheduler.Schedule(ctx, calls)
	responses := scheduler.Responses(batch)
	c.appendHistory(responses)
	c.recorder.Enqueue(recorder.TypeSessionEvent, map[string]any{"event": "tool_batch", "count": len(batch)})
	frames <- Frame{Content: responses}
	return true, nil
}

// synthesizeCancelled keeps history well-formed when the loop detector stops
// the prompt after tool calls were emitted but before execution.
func (c *Context) synthesizeCancelled(frames chan<- Frame, calls []types.ToolCallRequest) {
	responses := types.Content{Speaker: types.SpeakerTool}
	for _, call := range calls {
		responses.Blocks = append(responses.Blocks,
			types.ToolResponseBlock(call.CallID, call.Name, scheduler.CancelledByUserMessage))
	}
	c.appendHistory(responses)
	frames <- Frame{Content: responses}
}

// finish emits the terminal frame. Summary is empty on a clean stop.
func (c *Context) finish(frames chan<- Frame, summary string) {
	metadata := map[string]any{
		"state-change": "input-required",
		"final":        true,
	}
	if summary != "" {
		metadata["summary"] = summary
	}
	c.recorder.Enqueue(recorder.TypeSessionEvent, map[string]any{"event": "prompt_complete"})
	frames <- Frame{Metadata: metadata, Final: true}
}

// mergeSettings overlays session settings onto profile settings; the
// session wins on conflict.
func mergeSettings(base, overlay map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

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

// Package scheduler assembles streamed tool-call fragments, gates them
// through the policy engine and confirmation bus, and runs approved calls
// to completion.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teradata-labs/relay/internal/log"
	"github.com/teradata-labs/relay/pkg/confirm"
	"github.com/teradata-labs/relay/pkg/policy"
	"github.com/teradata-labs/relay/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CancelledByUserMessage is the synthesized result for a cancelled call. It
// keeps history well-formed: every tool_call gets a matching tool_response.
const CancelledByUserMessage = "Tool execution cancelled by user"

// DefaultApprovalTimeout bounds how long a call may sit awaiting approval.
const DefaultApprovalTimeout = 5 * time.Minute

// ToolHandler executes one tool call and returns its result.
type ToolHandler func(ctx context.Context, call types.ToolCallRequest) (any, error)

// ToolCall is the scheduler's view of one call across its lifecycle.
type ToolCall struct {
	Request  types.ToolCallRequest
	Status   types.ToolCallStatus
	Outcome  confirm.Outcome
	Response types.Block
}

// Observer receives batch progress. OnAllToolCallsComplete fires exactly
// once per schedule; OnToolCallsUpdate fires on every state transition.
type Observer interface {
	OnToolCallsUpdate(batch []*ToolCall)
	OnAllToolCallsComplete(batch []*ToolCall)
}

// Config holds scheduler collaborators.
type Config struct {
	Policy          *policy.Engine
	Bus             *confirm.Bus
	Observer        Observer
	ApprovalTimeout time.Duration
}

// Scheduler runs tool-call batches. Handlers are registered per tool name;
// a call naming an unregistered tool resolves to an error response.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	handlers map[string]ToolHandler
}

// New creates a scheduler with zero values defaulted.
func New(cfg Config) *Scheduler {
	if cfg.Policy == nil {
		cfg.Policy = policy.NewEngine(policy.Allow)
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &Scheduler{cfg: cfg, handlers: map[string]ToolHandler{}}
}

// Register installs the handler for a tool name.
func (s *Scheduler) Register(name string, h ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

func (s *Scheduler) handler(name string) (ToolHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Schedule runs one batch through approval and execution. The returned batch
// holds every call in a terminal state with a response block attached.
func (s *Scheduler) Schedule(ctx context.Context, requests []types.ToolCallRequest) []*ToolCall {
	batch := make([]*ToolCall, len(requests))
	for i, req := range requests {
		batch[i] = &ToolCall{Request: req, Status: types.StatusScheduled}
	}
	s.notifyUpdate(batch)

	// Approval is sequential so confirmation prompts arrive one at a time;
	// execution of approved calls runs concurrently below.
	for _, call := range batch {
		s.approve(ctx, call, batch)
	}

	// Executions run concurrently; batchMu keeps observer snapshots
	// consistent while goroutines land their results.
	var batchMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, call := range batch {
		if call.Status != types.StatusExecuting {
			continue
		}
		call := call
		g.Go(func() error {
			status, response := s.run(gctx, call.Request)
			batchMu.Lock()
			call.Status = status
			call.Response = response
			s.notifyUpdate(batch)
			batchMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Cancellation after approval leaves no call without a response.
	for _, call := range batch {
		if !call.Status.Terminal() {
			s.cancel(call)
		}
	}
	s.notifyUpdate(batch)
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnAllToolCallsComplete(batch)
	}
	return batch
}

func (s *Scheduler) approve(ctx context.Context, call *ToolCall, batch []*ToolCall) {
	if ctx.Err() != nil {
		s.cancel(call)
		return
	}

	switch s.cfg.Policy.Check(call.Request) {
	case policy.Allow:
		call.Status = types.StatusExecuting
		s.notifyUpdate(batch)
		return

	case policy.Deny:
		if s.cfg.Bus != nil {
			s.cfg.Bus.RejectByPolicy(call.Request, "denied by policy")
		}
		call.Status = types.StatusError
		call.Response = types.ToolErrorBlock(call.Request.CallID, call.Request.Name, "Policy denied execution")
		s.notifyUpdate(batch)
		return
	}

	// ASK_USER
	call.Status = types.StatusAwaitingApproval
	s.notifyUpdate(batch)

	if s.cfg.Bus == nil {
		s.cancel(call)
		s.notifyUpdate(batch)
		return
	}

	approvalCtx, cancel := context.WithTimeout(ctx, s.cfg.ApprovalTimeout)
	resp, err := s.cfg.Bus.RequestConfirmation(approvalCtx, call.Request, "")
	cancel()
	if err != nil {
		log.Debug("confirmation ended without approval",
			zap.String("tool", call.Request.Name),
			zap.Error(err))
		// An expired wait is a timeout; only a cancelled parent context
		// counts as a user cancellation.
		if ctx.Err() == nil {
			call.Outcome = confirm.Timeout
		}
		s.cancel(call)
		s.notifyUpdate(batch)
		return
	}

	call.Outcome = resp.Outcome
	switch resp.Outcome {
	case confirm.ProceedAlways:
		s.cfg.Policy.AllowAlways(call.Request.Name)
		call.Status = types.StatusExecuting
	case confirm.ProceedOnce:
		call.Status = types.StatusExecuting
	default:
		// Cancel and ModifyWithEditor both resolve to cancelled.
		s.cancel(call)
	}
	s.notifyUpdate(batch)
}

func (s *Scheduler) run(ctx context.Context, req types.ToolCallRequest) (types.ToolCallStatus, types.Block) {
	handler, ok := s.handler(req.Name)
	if !ok {
		return types.StatusError, types.ToolErrorBlock(req.CallID, req.Name,
			fmt.Sprintf("Tool %q not found in registry", req.Name))
	}

	result, err := handler(ctx, req)
	switch {
	case ctx.Err() != nil:
		return types.StatusCancelled, types.ToolResponseBlock(req.CallID, req.Name, CancelledByUserMessage)
	case err != nil:
		return types.StatusError, types.ToolErrorBlock(req.CallID, req.Name, err.Error())
	default:
		return types.StatusSuccess, types.ToolResponseBlock(req.CallID, req.Name, result)
	}
}

func (s *Scheduler) cancel(call *ToolCall) {
	call.Status = types.StatusCancelled
	call.Response = types.ToolResponseBlock(call.Request.CallID, call.Request.Name, CancelledByUserMessage)
}

func (s *Scheduler) notifyUpdate(batch []*ToolCall) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.OnToolCallsUpdate(batch)
	}
}

// Responses collects the batch's response blocks into a single tool message
// ready for the next provider call.
func Responses(batch []*ToolCall) types.Content {
	content := types.Content{Speaker: types.SpeakerTool}
	for _, call := range batch {
		content.Blocks = append(content.Blocks, call.Response)
	}
	return content
}

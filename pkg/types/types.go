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

// Package types contains the shared content model used across the relay core.
// This package breaks import cycles by providing common types that the
// normalizer, drivers, scheduler, and runtime all depend on.
package types

import (
	"time"
)

// Speaker identifies who produced a piece of content.
type Speaker string

const (
	SpeakerHuman Speaker = "human"
	SpeakerAI    Speaker = "ai"
	SpeakerTool  Speaker = "tool"
)

// BlockType discriminates the variants of a content block.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockThinking     BlockType = "thinking"
	BlockToolCall     BlockType = "tool_call"
	BlockToolResponse BlockType = "tool_response"
)

// ThinkingSourceField records which vendor field a thinking block came from.
type ThinkingSourceField string

const (
	ThinkingFromThinking         ThinkingSourceField = "thinking"
	ThinkingFromReasoningContent ThinkingSourceField = "reasoning_content"
)

// Block is one element of a message. The Type field selects which of the
// remaining fields are meaningful.
type Block struct {
	Type BlockType `json:"type"`

	// Text block
	Text string `json:"text,omitempty"`

	// Thinking block
	Thought     string              `json:"thought,omitempty"`
	SourceField ThinkingSourceField `json:"sourceField,omitempty"`
	Signature   string              `json:"signature,omitempty"`
	// Redacted marks thinking replaced by redacted_thinking during history
	// trims. A redacted block still satisfies the thinking-before-tool-call
	// requirement of strict providers.
	Redacted bool `json:"redacted,omitempty"`

	// Tool call block. ID is a core-owned history id (hist_tool_<suffix>).
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Tool response block
	CallID   string `json:"callId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TextBlock creates a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ThinkingBlock creates a thinking block.
func ThinkingBlock(thought string, source ThinkingSourceField) Block {
	return Block{Type: BlockThinking, Thought: thought, SourceField: source}
}

// ToolCallBlock creates a tool_call block.
func ToolCallBlock(id, name string, params map[string]any) Block {
	return Block{Type: BlockToolCall, ID: id, Name: name, Parameters: params}
}

// ToolResponseBlock creates a tool_response block for a successful result.
func ToolResponseBlock(callID, toolName string, result any) Block {
	return Block{Type: BlockToolResponse, CallID: callID, ToolName: toolName, Result: result}
}

// ToolErrorBlock creates a tool_response block carrying an error.
func ToolErrorBlock(callID, toolName, errMsg string) Block {
	return Block{Type: BlockToolResponse, CallID: callID, ToolName: toolName, Error: errMsg}
}

// Content is one normalized message: a speaker plus an ordered block sequence.
type Content struct {
	Speaker Speaker `json:"speaker"`
	Blocks  []Block `json:"blocks"`
}

// Text returns the concatenated text of all text blocks.
func (c Content) Text() string {
	var out string
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_call blocks in order.
func (c Content) ToolCalls() []Block {
	var out []Block
	for _, b := range c.Blocks {
		if b.Type == BlockToolCall {
			out = append(out, b)
		}
	}
	return out
}

// HasThinking reports whether any non-redacted thinking block is present.
func (c Content) HasThinking() bool {
	for _, b := range c.Blocks {
		if b.Type == BlockThinking && !b.Redacted {
			return true
		}
	}
	return false
}

// ToolCallRequest is a fully assembled tool invocation handed to the
// scheduler. CallID is unique within a turn; a re-emission with the same
// CallID is a duplicate and must be dropped.
type ToolCallRequest struct {
	CallID            string         `json:"callId"`
	Name              string         `json:"name"`
	Args              map[string]any `json:"args"`
	IsClientInitiated bool           `json:"isClientInitiated"`
	PromptID          string         `json:"promptId"`
	AgentID           string         `json:"agentId"`
}

// ToolCallStatus is the lifecycle state of a scheduled tool call.
type ToolCallStatus string

const (
	StatusScheduled        ToolCallStatus = "scheduled"
	StatusAwaitingApproval ToolCallStatus = "awaiting_approval"
	StatusExecuting        ToolCallStatus = "executing"
	StatusSuccess          ToolCallStatus = "success"
	StatusError            ToolCallStatus = "error"
	StatusCancelled        ToolCallStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Usage carries token accounting for one provider call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CandidatesTokens int `json:"candidatesTokens"`
	TotalTokens      int `json:"totalTokens"`
	CachedTokens     int `json:"cachedTokens,omitempty"`
}

// FinishReason reports why a provider stream ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishCancelled     FinishReason = "cancelled"
	FinishError         FinishReason = "error"
)

// ToolCallFragment is a partial vendor-streamed piece of a tool call. OpenAI
// style streams address fragments by index; each fragment may carry a name
// or a chunk of the args JSON literal.
type ToolCallFragment struct {
	Index  int    `json:"index"`
	CallID string `json:"callId,omitempty"`
	Name   string `json:"name,omitempty"`
	Args   string `json:"args,omitempty"`
}

// EventType discriminates stream events emitted by a provider driver.
type EventType string

const (
	EventContent  EventType = "content"
	EventThinking EventType = "thinking"
	EventFragment EventType = "tool_call_fragment"
	EventUsage    EventType = "usage"
	EventFinish   EventType = "finish"
	EventError    EventType = "error"
)

// Event is the tagged variant carried on a driver stream.
type Event struct {
	Type     EventType
	Text     string
	Thought  string
	Fragment *ToolCallFragment
	Usage    *Usage
	Finish   FinishReason
	Err      error
}

// ContentEvent creates a text content event.
func ContentEvent(text string) Event {
	return Event{Type: EventContent, Text: text}
}

// ThinkingEvent creates a thinking delta event.
func ThinkingEvent(thought string) Event {
	return Event{Type: EventThinking, Thought: thought}
}

// FragmentEvent creates a tool-call fragment event.
func FragmentEvent(f ToolCallFragment) Event {
	return Event{Type: EventFragment, Fragment: &f}
}

// UsageEvent creates a usage event.
func UsageEvent(u Usage) Event {
	return Event{Type: EventUsage, Usage: &u}
}

// FinishEvent creates a finish event.
func FinishEvent(reason FinishReason) Event {
	return Event{Type: EventFinish, Finish: reason}
}

// ErrorEvent creates an error event.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Err: err}
}

// ToolSchema is a caller-supplied tool descriptor. Parameters is a JSON
// schema kept generic; each driver converts it to the vendor's native
// tool-call descriptor.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ProviderOptions carries the provider-facing configuration for one call.
// Drivers are stateless; everything they need arrives here.
type ProviderOptions struct {
	Provider string
	Model    string
	BaseURL  string

	// Exactly one of APIKey or AuthToken is set. AuthToken is an OAuth
	// bearer token; drivers that distinguish the two (Anthropic) switch
	// headers accordingly.
	APIKey    string
	AuthToken string

	ModelParams   map[string]any
	CustomHeaders map[string]string

	// Thinking controls (Anthropic).
	EnableThinking bool
	ThinkingBudget int

	// HTTP read timeout for the streamed call.
	Timeout time.Duration
}

// NormalizedRequest is the provider-agnostic request produced by the
// normalizer and consumed by the router and drivers.
type NormalizedRequest struct {
	Contents        []Content
	Tools           []ToolSchema
	SystemPrompt    string
	ProviderOptions ProviderOptions
	AgentID         string
	PromptID        string
}

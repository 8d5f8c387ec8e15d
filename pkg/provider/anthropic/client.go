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

// Package anthropic implements the streaming driver for the Anthropic
// Messages API, including extended thinking and OAuth bearer auth.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/teradata-labs/relay/internal/log"
	"github.com/teradata-labs/relay/pkg/provider"
	"github.com/teradata-labs/relay/pkg/types"
	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the default Messages API endpoint.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is used when model params carry no max_tokens; the
	// Messages API requires the field.
	DefaultMaxTokens = 4096

	apiVersion = "2023-06-01"
	// oauthBeta is required when authenticating with an OAuth bearer token
	// instead of an API key.
	oauthBeta = "oauth-2025-04-20"
)

// Client implements provider.Driver for the Anthropic Messages API. The
// client holds no state; every invocation builds a fresh HTTP client from
// the request's provider options.
type Client struct{}

// New creates the Anthropic driver.
func New() *Client {
	return &Client{}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "anthropic"
}

// GenerateChatCompletion starts a streamed completion.
func (c *Client) GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error) {
	opts := req.ProviderOptions
	if opts.APIKey == "" && opts.AuthToken == "" {
		return nil, &provider.MissingRuntimeContextError{
			ProviderKey:   c.Name(),
			MissingFields: []string{"apiKey", "authToken"},
			Requirement:   "an API key or OAuth token is required",
			Remediation:   "set the api-key ephemeral setting or store an OAuth token for anthropic",
		}
	}

	messages := c.convertMessages(req.Contents)
	tools, nameMap := c.convertTools(req.Tools)

	events := make(chan types.Event, 16)
	go func() {
		defer close(events)
		if err := c.streamOnce(ctx, req, messages, tools, nameMap, events); err != nil {
			events <- types.ErrorEvent(err)
		}
	}()
	return events, nil
}

func (c *Client) streamOnce(ctx context.Context, req *types.NormalizedRequest, messages []Message, tools []Tool, nameMap map[string]string, events chan<- types.Event) error {
	opts := req.ProviderOptions

	body := map[string]any{
		"model":      opts.Model,
		"messages":   messages,
		"max_tokens": DefaultMaxTokens,
		"stream":     true,
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	if opts.EnableThinking {
		budget := opts.ThinkingBudget
		if budget <= 0 {
			budget = 1024
		}
		body["thinking"] = Thinking{Type: "enabled", BudgetTokens: budget}
	}
	for k, v := range opts.ModelParams {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := opts.BaseURL
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", apiVersion)
	if opts.APIKey != "" {
		httpReq.Header.Set("x-api-key", opts.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+opts.AuthToken)
		httpReq.Header.Set("anthropic-beta", oauthBeta)
	}
	for k, v := range opts.CustomHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := provider.NewHTTPClient(opts.Timeout).Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return provider.NewAPIError(c.Name(), httpResp.StatusCode, string(respBody))
	}

	var (
		usage      types.Usage
		stopReason string
		seenIDs    = map[string]bool{}
		dropBlock  = map[int]bool{}
		blockName  = map[int]string{}
		blockID    = map[int]string{}
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var event StreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
				usage.CachedTokens = event.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
				continue
			}
			id := event.ContentBlock.ID
			if seenIDs[id] {
				dropBlock[event.Index] = true
				log.Warn("dropping duplicate tool_use block from stream", zap.String("call_id", id))
				continue
			}
			seenIDs[id] = true
			name := provider.ReverseToolName(nameMap, event.ContentBlock.Name)
			blockName[event.Index] = name
			blockID[event.Index] = id
			events <- types.FragmentEvent(types.ToolCallFragment{
				Index:  event.Index,
				CallID: id,
				Name:   name,
			})

		case "content_block_delta":
			if event.Delta == nil || dropBlock[event.Index] {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					events <- types.ContentEvent(event.Delta.Text)
				}
			case "thinking_delta":
				if event.Delta.Thinking != "" {
					events <- types.ThinkingEvent(event.Delta.Thinking)
				}
			case "input_json_delta":
				events <- types.FragmentEvent(types.ToolCallFragment{
					Index:  event.Index,
					CallID: blockID[event.Index],
					Name:   blockName[event.Index],
					Args:   event.Delta.PartialJSON,
				})
			}

		case "content_block_stop":
			delete(dropBlock, event.Index)

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CandidatesTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			// Terminal event; usage totals below.

		case "error":
			if event.Error != nil {
				return &provider.APIError{
					Category: provider.CategoryServer,
					Provider: c.Name(),
					Message:  event.Error.Message,
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading stream: %w", err)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CandidatesTokens
	events <- types.UsageEvent(usage)
	events <- types.FinishEvent(mapStopReason(stopReason))
	return nil
}

// convertMessages converts normalized contents to the Messages API format.
// Thinking blocks survive on assistant messages (the API rejects a tool_use
// whose preceding assistant turn silently lost its thinking), with redacted
// blocks carried as redacted_thinking.
func (c *Client) convertMessages(contents []types.Content) []Message {
	var out []Message
	for _, content := range contents {
		switch content.Speaker {
		case types.SpeakerHuman:
			out = append(out, Message{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: content.Text()}},
			})

		case types.SpeakerAI:
			var blocks []ContentBlock
			for _, b := range content.Blocks {
				switch b.Type {
				case types.BlockThinking:
					if b.Redacted {
						blocks = append(blocks, ContentBlock{Type: "redacted_thinking", Data: b.Thought})
					} else {
						blocks = append(blocks, ContentBlock{Type: "thinking", Thinking: b.Thought, Signature: b.Signature})
					}
				case types.BlockText:
					if b.Text != "" {
						blocks = append(blocks, ContentBlock{Type: "text", Text: b.Text})
					}
				case types.BlockToolCall:
					blocks = append(blocks, ContentBlock{
						Type:  "tool_use",
						ID:    b.ID,
						Name:  provider.SanitizeToolName(b.Name),
						Input: b.Parameters,
					})
				}
			}
			if len(blocks) > 0 {
				out = append(out, Message{Role: "assistant", Content: blocks})
			}

		case types.SpeakerTool:
			var blocks []ContentBlock
			for _, b := range content.Blocks {
				if b.Type != types.BlockToolResponse {
					continue
				}
				block := ContentBlock{
					Type:      "tool_result",
					ToolUseID: b.CallID,
				}
				if b.Error != "" {
					block.Content = b.Error
					block.IsError = true
				} else {
					block.Content = resultText(b.Result)
				}
				blocks = append(blocks, block)
			}
			if len(blocks) > 0 {
				out = append(out, Message{Role: "user", Content: blocks})
			}
		}
	}
	return out
}

func resultText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(data)
	}
}

// convertTools converts tool schemas to the input_schema descriptor format.
func (c *Client) convertTools(tools []types.ToolSchema) ([]Tool, map[string]string) {
	var out []Tool
	nameMap := make(map[string]string, len(tools))
	for _, t := range tools {
		sanitized := provider.SanitizeToolName(t.Name)
		nameMap[sanitized] = t.Name
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, Tool{
			Name:        sanitized,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nameMap
}

func mapStopReason(reason string) types.FinishReason {
	switch reason {
	case "end_turn", "":
		return types.FinishStop
	case "tool_use":
		return types.FinishToolCalls
	case "max_tokens":
		return types.FinishLength
	case "refusal":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// Ensure Client implements the Driver interface.
var _ provider.Driver = (*Client)(nil)

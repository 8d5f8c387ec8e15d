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

// Package openai implements the streaming driver for OpenAI-compatible
// chat-completions endpoints. Custom vendor backends that speak the same
// wire protocol are fronted by this driver via BaseURL.
package openai

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
	// DefaultEndpoint is the default chat completions endpoint.
	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"

	// continuationAck is the tool message content used when re-prompting a
	// model that returned tool calls with finish_reason=stop and no text.
	// The exact wording is load-bearing for some upstreams; do not rephrase.
	continuationAck = "[Tool call acknowledged - awaiting execution]"

	// continuationPrompt nudges the model to keep going after registering
	// its tool calls.
	continuationPrompt = "The tool calls above have been registered and will be executed. Continue."

	// scannerBuffer sizes the SSE line scanner; args deltas can be large.
	scannerBuffer = 1024 * 1024
)

// Client implements provider.Driver for the OpenAI wire protocol. The client
// itself holds no state; every invocation builds a fresh HTTP client from
// the request's provider options.
type Client struct{}

// New creates the OpenAI driver.
func New() *Client {
	return &Client{}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "openai"
}

// GenerateChatCompletion starts a streamed completion.
func (c *Client) GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error) {
	opts := req.ProviderOptions
	if opts.APIKey == "" && opts.AuthToken == "" {
		return nil, &provider.MissingRuntimeContextError{
			ProviderKey:   c.Name(),
			MissingFields: []string{"apiKey"},
			Requirement:   "an API key or bearer token is required",
			Remediation:   "set the api-key ephemeral setting or provide an auth token",
		}
	}

	messages := c.convertMessages(req)
	tools, nameMap := c.convertTools(req.Tools)

	events := make(chan types.Event, 16)
	go c.run(ctx, req, messages, tools, nameMap, events)
	return events, nil
}

// assembledCall is the driver's minimal view of a streamed tool call, kept
// only to decide on and build the empty-response continuation.
type assembledCall struct {
	id   string
	name string
	args strings.Builder
}

// run drives the stream, restarting once with a continuation when the model
// returns tool calls with finish_reason=stop and zero text.
func (c *Client) run(ctx context.Context, req *types.NormalizedRequest, messages []ChatMessage, tools []Tool, nameMap map[string]string, events chan<- types.Event) {
	defer close(events)

	for attempt := 0; ; attempt++ {
		finish, calls, sawText, err := c.streamOnce(ctx, req, messages, tools, nameMap, events)
		if err != nil {
			events <- types.ErrorEvent(err)
			return
		}

		// Empty-response continuation: tool calls with a bare "stop" and no
		// text mean the upstream forgot it is mid tool loop. Acknowledge the
		// calls and restart the stream once.
		if attempt == 0 && finish == types.FinishStop && len(calls) > 0 && !sawText {
			log.Debug("continuing after empty tool-call response",
				zap.Int("tool_calls", len(calls)),
				zap.String("model", req.ProviderOptions.Model))
			messages = append(messages, c.continuationMessages(calls)...)
			continue
		}

		if len(calls) > 0 && finish == types.FinishStop {
			finish = types.FinishToolCalls
		}
		events <- types.FinishEvent(finish)
		return
	}
}

// streamOnce performs one HTTP streaming call, forwarding events as they
// arrive. Returns the finish reason, the assembled tool calls, and whether
// any text content was produced.
func (c *Client) streamOnce(ctx context.Context, req *types.NormalizedRequest, messages []ChatMessage, tools []Tool, nameMap map[string]string, events chan<- types.Event) (types.FinishReason, []*assembledCall, bool, error) {
	opts := req.ProviderOptions

	body := map[string]any{
		"model":          opts.Model,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(tools) > 0 {
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	// Model params pass straight through to the API.
	for k, v := range opts.ModelParams {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := opts.BaseURL
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	token := opts.APIKey
	if token == "" {
		token = opts.AuthToken
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	for k, v := range opts.CustomHeaders {
		httpReq.Header.Set(k, v)
	}

	// Fresh client per invocation; no connection state survives the call.
	httpResp, err := provider.NewHTTPClient(opts.Timeout).Do(httpReq)
	if err != nil {
		return "", nil, false, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", nil, false, provider.NewAPIError(c.Name(), httpResp.StatusCode, string(respBody))
	}

	var (
		finish    = types.FinishStop
		sawText   bool
		calls     []*assembledCall
		byIndex   = map[int]*assembledCall{}
		seenIDs   = map[string]bool{}
		dropIndex = map[int]bool{}
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")
		if jsonData == "[DONE]" {
			break
		}

		var chunk ChatCompletionStreamChunk
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			// Skip malformed chunks but continue processing.
			continue
		}

		if chunk.Usage != nil {
			events <- types.UsageEvent(types.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CandidatesTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			})
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			sawText = true
			events <- types.ContentEvent(choice.Delta.Content)
		}
		if choice.Delta.ReasoningContent != "" {
			events <- types.ThinkingEvent(choice.Delta.ReasoningContent)
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index
			if tc.ID != "" {
				// Some upstreams re-emit a finished call under a new index.
				// The second occurrence of a call id is dropped wholesale.
				if seenIDs[tc.ID] {
					dropIndex[idx] = true
					log.Warn("dropping duplicate tool call from stream", zap.String("call_id", tc.ID))
					continue
				}
				seenIDs[tc.ID] = true
				dropIndex[idx] = false
			}
			if dropIndex[idx] {
				continue
			}

			call := byIndex[idx]
			if call == nil {
				call = &assembledCall{}
				byIndex[idx] = call
				calls = append(calls, call)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			name := tc.Function.Name
			if name != "" {
				name = provider.ReverseToolName(nameMap, name)
				call.name = name
			}
			call.args.WriteString(tc.Function.Arguments)

			events <- types.FragmentEvent(types.ToolCallFragment{
				Index:  idx,
				CallID: tc.ID,
				Name:   name,
				Args:   tc.Function.Arguments,
			})
		}

		if choice.FinishReason != "" {
			finish = mapFinishReason(choice.FinishReason)
		}

		select {
		case <-ctx.Done():
			return "", nil, false, ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, false, fmt.Errorf("error reading stream: %w", err)
	}

	return finish, calls, sawText, nil
}

// continuationMessages synthesizes the assistant echo, per-call tool
// acknowledgements, and user nudge appended before the continuation stream.
// Strict providers require the name field on the tool message.
func (c *Client) continuationMessages(calls []*assembledCall) []ChatMessage {
	assistant := ChatMessage{Role: "assistant"}
	for _, call := range calls {
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, ToolCall{
			ID:   call.id,
			Type: "function",
			Function: FunctionCall{
				Name:      provider.SanitizeToolName(call.name),
				Arguments: args,
			},
		})
	}

	out := []ChatMessage{assistant}
	for _, call := range calls {
		out = append(out, ChatMessage{
			Role:       "tool",
			ToolCallID: call.id,
			Name:       provider.SanitizeToolName(call.name),
			Content:    continuationAck,
		})
	}
	out = append(out, ChatMessage{Role: "user", Content: continuationPrompt})
	return out
}

// convertMessages converts normalized contents to the OpenAI wire format.
func (c *Client) convertMessages(req *types.NormalizedRequest) []ChatMessage {
	var out []ChatMessage
	if req.SystemPrompt != "" {
		out = append(out, ChatMessage{Role: "system", Content: req.SystemPrompt})
	}

	for _, content := range req.Contents {
		switch content.Speaker {
		case types.SpeakerHuman:
			out = append(out, ChatMessage{Role: "user", Content: content.Text()})

		case types.SpeakerAI:
			msg := ChatMessage{Role: "assistant", Content: content.Text()}
			for _, b := range content.ToolCalls() {
				args, err := json.Marshal(b.Parameters)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:   provider.ToOpenAIToolID(b.ID),
					Type: "function",
					Function: FunctionCall{
						Name:      provider.SanitizeToolName(b.Name),
						Arguments: string(args),
					},
				})
			}
			if msg.Content != "" || len(msg.ToolCalls) > 0 {
				out = append(out, msg)
			}

		case types.SpeakerTool:
			for _, b := range content.Blocks {
				if b.Type != types.BlockToolResponse {
					continue
				}
				out = append(out, ChatMessage{
					Role:       "tool",
					ToolCallID: provider.ToOpenAIToolID(b.CallID),
					Name:       provider.SanitizeToolName(b.ToolName),
					Content:    toolResponseText(b),
				})
			}
		}
	}
	return out
}

// toolResponseText renders a tool_response block as the wire content string.
func toolResponseText(b types.Block) string {
	if b.Error != "" {
		return b.Error
	}
	switch v := b.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// convertTools converts tool schemas to OpenAI function descriptors and
// returns the sanitized-to-original name map.
func (c *Client) convertTools(tools []types.ToolSchema) ([]Tool, map[string]string) {
	var out []Tool
	nameMap := make(map[string]string, len(tools))
	for _, t := range tools {
		sanitized := provider.SanitizeToolName(t.Name)
		nameMap[sanitized] = t.Name
		out = append(out, Tool{
			Type: "function",
			Function: FunctionDef{
				Name:        sanitized,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out, nameMap
}

func mapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "stop":
		return types.FinishStop
	case "length":
		return types.FinishLength
	case "tool_calls", "function_call":
		return types.FinishToolCalls
	case "content_filter":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// Ensure Client implements the Driver interface.
var _ provider.Driver = (*Client)(nil)

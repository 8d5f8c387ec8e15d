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

// Package gemini implements the streaming driver for the Google Gemini
// generateContent API.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/teradata-labs/relay/pkg/provider"
	"github.com/teradata-labs/relay/pkg/types"
)

// DefaultBaseURL is the default API host.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Client implements provider.Driver for Gemini. The client holds no state;
// every invocation builds a fresh HTTP client from the request's provider
// options.
type Client struct{}

// New creates the Gemini driver.
func New() *Client {
	return &Client{}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "gemini"
}

// GenerateChatCompletion starts a streamed completion via the
// streamGenerateContent endpoint with SSE framing.
func (c *Client) GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error) {
	opts := req.ProviderOptions
	if opts.APIKey == "" && opts.AuthToken == "" {
		return nil, &provider.MissingRuntimeContextError{
			ProviderKey:   c.Name(),
			MissingFields: []string{"apiKey"},
			Requirement:   "an API key is required",
			Remediation:   "set the api-key ephemeral setting for gemini",
		}
	}

	body, nameMap, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	events := make(chan types.Event, 16)
	go func() {
		defer close(events)
		if err := c.streamOnce(ctx, req, body, nameMap, events); err != nil {
			events <- types.ErrorEvent(err)
		}
	}()
	return events, nil
}

func (c *Client) buildRequest(req *types.NormalizedRequest) (*GenerateContentRequest, map[string]string, error) {
	tools, nameMap := c.convertTools(req.Tools)

	out := &GenerateContentRequest{
		Contents: c.convertMessages(req.Contents),
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &Content{Parts: []Part{{Text: req.SystemPrompt}}}
	}
	if len(tools) > 0 {
		out.Tools = []Tool{{FunctionDeclarations: tools}}
	}
	if len(req.ProviderOptions.ModelParams) > 0 {
		out.GenerationConfig = req.ProviderOptions.ModelParams
	}
	return out, nameMap, nil
}

func (c *Client) streamOnce(ctx context.Context, req *types.NormalizedRequest, body *GenerateContentRequest, nameMap map[string]string, events chan<- types.Event) error {
	opts := req.ProviderOptions

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	apiURL := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, opts.Model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if opts.APIKey != "" {
		httpReq.Header.Set("x-goog-api-key", opts.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+opts.AuthToken)
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
		usage        types.Usage
		finishReason string
		callIndex    int
		sawCalls     bool
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var chunk GenerateContentResponse
		if err := json.Unmarshal([]byte(jsonData), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return &provider.APIError{
				Category:   provider.CategorizeStatus(chunk.Error.Code),
				StatusCode: chunk.Error.Code,
				Provider:   c.Name(),
				Message:    chunk.Error.Message,
			}
		}

		if len(chunk.Candidates) > 0 {
			candidate := chunk.Candidates[0]
			for _, part := range candidate.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					// Gemini supplies no call ids; mint one per call so the
					// assembler and history can address it.
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					events <- types.FragmentEvent(types.ToolCallFragment{
						Index:  callIndex,
						CallID: provider.NewHistoryToolID(),
						Name:   provider.ReverseToolName(nameMap, part.FunctionCall.Name),
						Args:   string(args),
					})
					callIndex++
					sawCalls = true
				case part.Thought && part.Text != "":
					events <- types.ThinkingEvent(part.Text)
				case part.Text != "":
					events <- types.ContentEvent(part.Text)
				}
			}
			if candidate.FinishReason != "" {
				finishReason = candidate.FinishReason
			}
		}

		if chunk.UsageMetadata != nil && chunk.UsageMetadata.TotalTokenCount > 0 {
			usage.PromptTokens = chunk.UsageMetadata.PromptTokenCount
			usage.CandidatesTokens = chunk.UsageMetadata.CandidatesTokenCount
			usage.TotalTokens = chunk.UsageMetadata.TotalTokenCount
			usage.CachedTokens = chunk.UsageMetadata.CachedContentTokenCount
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

	events <- types.UsageEvent(usage)
	finish := mapFinishReason(finishReason)
	if sawCalls {
		finish = types.FinishToolCalls
	}
	events <- types.FinishEvent(finish)
	return nil
}

// convertMessages converts normalized contents to Gemini's role/parts format.
// The assistant role is "model"; tool results travel as functionResponse
// parts. Gemini addresses calls by function name, so history ids are dropped
// on the wire.
func (c *Client) convertMessages(contents []types.Content) []Content {
	var out []Content
	for _, content := range contents {
		switch content.Speaker {
		case types.SpeakerHuman:
			out = append(out, Content{
				Role:  "user",
				Parts: []Part{{Text: content.Text()}},
			})

		case types.SpeakerAI:
			var parts []Part
			for _, b := range content.Blocks {
				switch b.Type {
				case types.BlockText:
					if b.Text != "" {
						parts = append(parts, Part{Text: b.Text})
					}
				case types.BlockToolCall:
					parts = append(parts, Part{
						FunctionCall: &FunctionCall{
							Name: provider.SanitizeToolName(b.Name),
							Args: b.Parameters,
						},
					})
				}
			}
			if len(parts) > 0 {
				out = append(out, Content{Role: "model", Parts: parts})
			}

		case types.SpeakerTool:
			var parts []Part
			for _, b := range content.Blocks {
				if b.Type != types.BlockToolResponse {
					continue
				}
				response := map[string]any{}
				if b.Error != "" {
					response["error"] = b.Error
				} else {
					response["result"] = b.Result
				}
				parts = append(parts, Part{
					FunctionResponse: &FunctionResponse{
						Name:     provider.SanitizeToolName(b.ToolName),
						Response: response,
					},
				})
			}
			if len(parts) > 0 {
				out = append(out, Content{Role: "user", Parts: parts})
			}
		}
	}
	return out
}

// convertTools converts tool schemas to function declarations.
func (c *Client) convertTools(tools []types.ToolSchema) ([]FunctionDeclaration, map[string]string) {
	var out []FunctionDeclaration
	nameMap := make(map[string]string, len(tools))
	for _, t := range tools {
		sanitized := provider.SanitizeToolName(t.Name)
		nameMap[sanitized] = t.Name
		out = append(out, FunctionDeclaration{
			Name:        sanitized,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out, nameMap
}

func mapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "STOP", "":
		return types.FinishStop
	case "MAX_TOKENS":
		return types.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return types.FinishContentFilter
	default:
		return types.FinishStop
	}
}

// Ensure Client implements the Driver interface.
var _ provider.Driver = (*Client)(nil)

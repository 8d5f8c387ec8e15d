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

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teradata-labs/relay/pkg/provider"
	"github.com/teradata-labs/relay/pkg/types"
)

func collectEvents(t *testing.T, ch <-chan types.Event) []types.Event {
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
			t.Fatal("timed out draining event stream")
		}
	}
}

func sseHandler(capture *map[string]any, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
	}
}

func newRequest(baseURL string) *types.NormalizedRequest {
	return &types.NormalizedRequest{
		Contents: []types.Content{
			{Speaker: types.SpeakerHuman, Blocks: []types.Block{types.TextBlock("hi")}},
		},
		ProviderOptions: types.ProviderOptions{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			BaseURL:  baseURL,
			APIKey:   "test-key",
		},
	}
}

func TestGenerateChatCompletion_TextStream(t *testing.T) {
	server := httptest.NewServer(sseHandler(nil,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2,"totalTokenCount":11}}`,
	))
	defer server.Close()

	client := New()
	ch, err := client.GenerateChatCompletion(context.Background(), newRequest(server.URL))
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var text string
	var usage *types.Usage
	var finish types.FinishReason
	for _, ev := range events {
		switch ev.Type {
		case types.EventContent:
			text += ev.Text
		case types.EventUsage:
			usage = ev.Usage
		case types.EventFinish:
			finish = ev.Finish
		}
	}
	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 9, usage.PromptTokens)
	assert.Equal(t, 2, usage.CandidatesTokens)
	assert.Equal(t, 11, usage.TotalTokens)
	assert.Equal(t, types.FinishStop, finish)
}

func TestGenerateChatCompletion_FunctionCallMintsHistoryID(t *testing.T) {
	server := httptest.NewServer(sseHandler(nil,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"SF"}}}]},"finishReason":"STOP"}]}`,
	))
	defer server.Close()

	client := New()
	ch, err := client.GenerateChatCompletion(context.Background(), newRequest(server.URL))
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var fragments []types.ToolCallFragment
	var finish types.FinishReason
	for _, ev := range events {
		switch ev.Type {
		case types.EventFragment:
			fragments = append(fragments, *ev.Fragment)
		case types.EventFinish:
			finish = ev.Finish
		}
	}
	require.Len(t, fragments, 1)
	assert.True(t, strings.HasPrefix(fragments[0].CallID, "hist_tool_"))
	assert.Equal(t, "get_weather", fragments[0].Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(fragments[0].Args), &args))
	assert.Equal(t, "SF", args["city"])

	// A function call promotes the finish reason even when the wire says STOP.
	assert.Equal(t, types.FinishToolCalls, finish)
}

func TestGenerateChatCompletion_ThoughtParts(t *testing.T) {
	server := httptest.NewServer(sseHandler(nil,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"planning","thought":true},{"text":"Done."}]},"finishReason":"STOP"}]}`,
	))
	defer server.Close()

	client := New()
	ch, err := client.GenerateChatCompletion(context.Background(), newRequest(server.URL))
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var text, thought string
	for _, ev := range events {
		switch ev.Type {
		case types.EventContent:
			text += ev.Text
		case types.EventThinking:
			thought += ev.Thought
		}
	}
	assert.Equal(t, "Done.", text)
	assert.Equal(t, "planning", thought)
}

func TestGenerateChatCompletion_RequestShape(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(sseHandler(&captured,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`,
	))
	defer server.Close()

	req := newRequest(server.URL)
	req.SystemPrompt = "be terse"
	req.Tools = []types.ToolSchema{{
		Name:        "fs:list",
		Description: "list files",
		Parameters:  map[string]any{"type": "object"},
	}}
	req.ProviderOptions.ModelParams = map[string]any{"temperature": 0.2}

	client := New()
	ch, err := client.GenerateChatCompletion(context.Background(), req)
	require.NoError(t, err)
	collectEvents(t, ch)

	sys := captured["systemInstruction"].(map[string]any)
	parts := sys["parts"].([]any)
	assert.Equal(t, "be terse", parts[0].(map[string]any)["text"])

	tools := captured["tools"].([]any)
	decls := tools[0].(map[string]any)["functionDeclarations"].([]any)
	assert.Equal(t, "fs_list", decls[0].(map[string]any)["name"])

	genConfig := captured["generationConfig"].(map[string]any)
	assert.Equal(t, 0.2, genConfig["temperature"])
}

func TestGenerateChatCompletion_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer server.Close()

	client := New()
	ch, err := client.GenerateChatCompletion(context.Background(), newRequest(server.URL))
	require.NoError(t, err)
	events := collectEvents(t, ch)

	require.Len(t, events, 1)
	require.Equal(t, types.EventError, events[0].Type)
	var apiErr *provider.APIError
	require.True(t, errors.As(events[0].Err, &apiErr))
	assert.Equal(t, provider.CategoryRateLimit, apiErr.Category)
}

func TestConvertMessages_ToolHistory(t *testing.T) {
	client := New()
	contents := []types.Content{
		{Speaker: types.SpeakerHuman, Blocks: []types.Block{types.TextBlock("list files")}},
		{Speaker: types.SpeakerAI, Blocks: []types.Block{
			types.ToolCallBlock("hist_tool_1", "fs:list", map[string]any{"dir": "."}),
		}},
		{Speaker: types.SpeakerTool, Blocks: []types.Block{
			types.ToolResponseBlock("hist_tool_1", "fs:list", "a.go"),
		}},
	}

	msgs := client.convertMessages(contents)
	require.Len(t, msgs, 3)

	assert.Equal(t, "model", msgs[1].Role)
	require.NotNil(t, msgs[1].Parts[0].FunctionCall)
	assert.Equal(t, "fs_list", msgs[1].Parts[0].FunctionCall.Name)

	assert.Equal(t, "user", msgs[2].Role)
	require.NotNil(t, msgs[2].Parts[0].FunctionResponse)
	assert.Equal(t, "fs_list", msgs[2].Parts[0].FunctionResponse.Name)
	assert.Equal(t, "a.go", msgs[2].Parts[0].FunctionResponse.Response["result"])
}

func TestGenerateChatCompletion_MissingCredentials(t *testing.T) {
	client := New()
	req := newRequest("http://localhost")
	req.ProviderOptions.APIKey = ""

	_, err := client.GenerateChatCompletion(context.Background(), req)
	var missing *provider.MissingRuntimeContextError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "gemini", missing.ProviderKey)
}

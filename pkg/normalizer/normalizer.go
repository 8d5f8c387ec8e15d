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

// Package normalizer turns a caller message, prior history, and the active
// ephemeral settings into a provider-agnostic NormalizedRequest.
package normalizer

import (
	"fmt"
	"time"

	"github.com/teradata-labs/relay/internal/log"
	"github.com/teradata-labs/relay/pkg/auth"
	"github.com/teradata-labs/relay/pkg/types"
	"go.uber.org/zap"
)

// DefaultThinkingBudget is applied when thinking is enabled without an
// explicit budget.
const DefaultThinkingBudget = 1024

var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
}

// providerDroppedParams lists request parameters a provider rejects outright.
// They are removed before the request is emitted.
var providerDroppedParams = map[string][]string{
	// The Messages API returns 400 on seed and the penalty knobs.
	"anthropic": {"seed", "frequency_penalty", "presence_penalty", "logprobs"},
	"gemini":    {"seed", "logprobs"},
}

// SettingBuckets is the four-way separation of ephemeral settings.
type SettingBuckets struct {
	CLISettings   map[string]any
	ModelParams   map[string]any
	ModelBehavior map[string]any
	CustomHeaders map[string]string
}

// Input is everything the normalizer needs for one request.
type Input struct {
	Provider          string
	Model             string
	Message           string
	History           []types.Content
	Tools             []types.ToolSchema
	EphemeralSettings map[string]any
	SystemPrompt      string

	// StripThinking removes prior thinking blocks from context, subject to
	// the orphaned-thinking rule.
	StripThinking bool

	AgentID  string
	PromptID string
}

// SeparateSettings resolves aliases and splits the settings into the four
// buckets. Provider-config keys (apiKey, baseUrl, model, toolFormat) are
// filtered from all buckets and returned separately. Unknown keys land in
// ModelParams and pass through to the provider API.
func SeparateSettings(settings map[string]any) (SettingBuckets, map[string]any, error) {
	buckets := SettingBuckets{
		CLISettings:   map[string]any{},
		ModelParams:   map[string]any{},
		ModelBehavior: map[string]any{},
		CustomHeaders: map[string]string{},
	}
	providerConfig := map[string]any{}

	for rawKey, value := range settings {
		key := NormalizeAlias(rawKey)
		switch {
		case providerConfigKeys[key]:
			providerConfig[key] = value
		case key == "customHeaders":
			headers, err := coerceHeaders(value)
			if err != nil {
				return SettingBuckets{}, nil, err
			}
			for k, v := range headers {
				buckets.CustomHeaders[k] = v
			}
		case cliSettingKeys[key]:
			buckets.CLISettings[key] = value
		case modelBehaviorKeys[key]:
			buckets.ModelBehavior[key] = value
		default:
			buckets.ModelParams[key] = value
		}
	}
	return buckets, providerConfig, nil
}

func coerceHeaders(value any) (map[string]string, error) {
	switch v := value.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, raw := range v {
			s, ok := raw.(string)
			if !ok {
				return nil, &ValidationError{Key: "customHeaders", Value: raw, Expected: "string header value"}
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, &ValidationError{Key: "customHeaders", Value: value, Expected: "map of string to string"}
	}
}

// Normalize produces the NormalizedRequest for one turn.
func Normalize(in Input) (*types.NormalizedRequest, error) {
	if !knownProviders[in.Provider] {
		return nil, &ConfigError{Provider: in.Provider, Reason: "unknown provider"}
	}
	if in.Model == "" {
		return nil, &ConfigError{Provider: in.Provider, Reason: "model is required"}
	}

	buckets, providerConfig, err := SeparateSettings(in.EphemeralSettings)
	if err != nil {
		return nil, err
	}

	for _, param := range providerDroppedParams[in.Provider] {
		if _, ok := buckets.ModelParams[param]; ok {
			log.Debug("dropping unsupported model param",
				zap.String("provider", in.Provider),
				zap.String("param", param))
			delete(buckets.ModelParams, param)
		}
	}

	contents := in.History
	if in.StripThinking {
		contents = stripThinking(contents)
	}
	if in.Message != "" {
		contents = append(contents, types.Content{
			Speaker: types.SpeakerHuman,
			Blocks:  []types.Block{types.TextBlock(in.Message)},
		})
	}

	opts := types.ProviderOptions{
		Provider:      in.Provider,
		Model:         in.Model,
		ModelParams:   buckets.ModelParams,
		CustomHeaders: buckets.CustomHeaders,
	}
	if v, ok := providerConfig["apiKey"].(string); ok {
		opts.APIKey = v
	}
	if v, ok := providerConfig["authToken"].(string); ok {
		opts.AuthToken = v
	}
	// A keyfile only fills the gap; an explicit apiKey wins.
	if path, ok := providerConfig["authKeyfile"].(string); ok && opts.APIKey == "" && opts.AuthToken == "" {
		key, err := auth.ReadKeyFile(path)
		if err != nil {
			return nil, err
		}
		opts.APIKey = key
	}
	if v, ok := providerConfig["baseUrl"].(string); ok {
		opts.BaseURL = v
	}
	if v, ok := providerConfig["model"].(string); ok && v != "" {
		opts.Model = v
	}
	if v, ok := buckets.CLISettings["socketTimeout"]; ok {
		timeout, err := coerceDuration(v)
		if err != nil {
			return nil, err
		}
		opts.Timeout = timeout
	}

	applyThinking(&opts, buckets.ModelBehavior, contents)

	tools, err := filterTools(in.Tools, buckets.CLISettings["tools.disabled"])
	if err != nil {
		return nil, err
	}

	return &types.NormalizedRequest{
		Contents:        contents,
		Tools:           tools,
		SystemPrompt:    in.SystemPrompt,
		ProviderOptions: opts,
		AgentID:         in.AgentID,
		PromptID:        in.PromptID,
	}, nil
}

func coerceDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, &ValidationError{Key: "socketTimeout", Value: v, Expected: "duration (e.g. 90s)"}
		}
		return d, nil
	default:
		return 0, &ValidationError{Key: "socketTimeout", Value: v, Expected: "duration (e.g. 90s)"}
	}
}

// applyThinking enables extended thinking when the caller asked for it, or
// when the history forces it: a tool_call whose preceding assistant message
// carries thinking means the provider will reject a request that silently
// drops that thinking.
func applyThinking(opts *types.ProviderOptions, behavior map[string]any, contents []types.Content) {
	if v, ok := behavior["enableThinking"].(bool); ok {
		opts.EnableThinking = v
	}
	if opts.Provider == "anthropic" && !opts.EnableThinking && hasOrphanedThinking(contents) {
		opts.EnableThinking = true
	}
	if !opts.EnableThinking {
		return
	}
	switch b := behavior["thinkingBudget"].(type) {
	case int:
		opts.ThinkingBudget = b
	case float64:
		opts.ThinkingBudget = int(b)
	}
	if opts.ThinkingBudget <= 0 {
		opts.ThinkingBudget = DefaultThinkingBudget
	}
}

// hasOrphanedThinking reports whether any assistant message pairs a thinking
// block with a tool call.
func hasOrphanedThinking(contents []types.Content) bool {
	for _, c := range contents {
		if c.Speaker != types.SpeakerAI {
			continue
		}
		if len(c.ToolCalls()) > 0 && c.HasThinking() {
			return true
		}
	}
	return false
}

// stripThinking removes prior thinking blocks from the context except where
// a thinking block precedes a tool call in the same message; those are
// replaced with redacted placeholders, never dropped.
func stripThinking(contents []types.Content) []types.Content {
	out := make([]types.Content, 0, len(contents))
	for _, c := range contents {
		if c.Speaker != types.SpeakerAI {
			out = append(out, c)
			continue
		}
		hasCalls := len(c.ToolCalls()) > 0
		var blocks []types.Block
		for _, b := range c.Blocks {
			if b.Type != types.BlockThinking {
				blocks = append(blocks, b)
				continue
			}
			if hasCalls {
				redacted := b
				redacted.Redacted = true
				blocks = append(blocks, redacted)
			}
		}
		out = append(out, types.Content{Speaker: c.Speaker, Blocks: blocks})
	}
	return out
}

// filterTools removes tools named by the tools.disabled setting.
func filterTools(tools []types.ToolSchema, disabled any) ([]types.ToolSchema, error) {
	if disabled == nil {
		return tools, nil
	}
	names := map[string]bool{}
	switch v := disabled.(type) {
	case []string:
		for _, n := range v {
			names[n] = true
		}
	case []any:
		for _, raw := range v {
			n, ok := raw.(string)
			if !ok {
				return nil, &ValidationError{Key: "tools.disabled", Value: raw, Expected: "tool name string"}
			}
			names[n] = true
		}
	default:
		return nil, &ValidationError{Key: "tools.disabled", Value: disabled, Expected: "list of tool names"}
	}
	if len(names) == 0 {
		return tools, nil
	}
	var out []types.ToolSchema
	for _, t := range tools {
		if names[t.Name] {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// FromProfileValues validates a provider/model pair coming from a loaded
// profile before it is used to build requests.
func FromProfileValues(name, provider, model string) error {
	if provider == "" || model == "" {
		return &ProfileInvalid{Name: name, Reason: "provider and model are required"}
	}
	if !knownProviders[provider] {
		return &ProfileInvalid{Name: name, Reason: fmt.Sprintf("unknown provider %q", provider)}
	}
	return nil
}

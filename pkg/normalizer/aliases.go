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

package normalizer

// aliasTable maps every accepted spelling of an ephemeral setting key to its
// canonical form. Canonical keys never appear on the left-hand side, which
// keeps NormalizeAlias idempotent.
var aliasTable = map[string]string{
	"max-tokens":            "max_tokens",
	"maxtokens":             "max_tokens",
	"max-output-tokens":     "max_tokens",
	"api-key":               "apiKey",
	"apikey":                "apiKey",
	"base-url":              "baseUrl",
	"baseurl":               "baseUrl",
	"auth-token":            "authToken",
	"auth-keyfile":          "authKeyfile",
	"auth-key-file":         "authKeyfile",
	"tool-format":           "toolFormat",
	"toolformat":            "toolFormat",
	"disabled-tools":        "tools.disabled",
	"disabledtools":         "tools.disabled",
	"custom-headers":        "customHeaders",
	"context-limit":         "contextLimit",
	"compression-threshold": "compressionThreshold",
	"thinking-budget":       "thinkingBudget",
	"enable-thinking":       "enableThinking",
	"reasoning-effort":      "reasoning_effort",
	"top-p":                 "top_p",
	"top-k":                 "top_k",
	"frequency-penalty":     "frequency_penalty",
	"presence-penalty":      "presence_penalty",
	"stop-sequences":        "stop_sequences",
	"socket-timeout":        "socketTimeout",
	"retry-wait":            "retryWait",
	"max-turns":             "maxTurns",
}

// NormalizeAlias resolves a setting key to its canonical spelling. Keys with
// no registered alias pass through unchanged, so applying the function twice
// yields the same result as applying it once.
func NormalizeAlias(key string) string {
	if canonical, ok := aliasTable[key]; ok {
		return canonical
	}
	return key
}

// providerConfigKeys are routed into ProviderOptions and filtered from every
// setting bucket.
var providerConfigKeys = map[string]bool{
	"apiKey":      true,
	"authToken":   true,
	"authKeyfile": true,
	"baseUrl":     true,
	"model":       true,
	"toolFormat":  true,
}

// cliSettingKeys steer the runtime itself and never reach a provider.
var cliSettingKeys = map[string]bool{
	"contextLimit":         true,
	"compressionThreshold": true,
	"socketTimeout":        true,
	"retryWait":            true,
	"retries":              true,
	"maxTurns":             true,
	"tools.disabled":       true,
}

// modelBehaviorKeys shape how the core drives the model rather than being
// passed through to the request body.
var modelBehaviorKeys = map[string]bool{
	"enableThinking": true,
	"thinkingBudget": true,
	"streaming":      true,
}

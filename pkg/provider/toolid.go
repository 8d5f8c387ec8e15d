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

package provider

import (
	"strings"

	"github.com/google/uuid"
)

// Tool call ids appear in two spellings: the OpenAI wire format ("call_<suffix>")
// and the core-owned history format ("hist_tool_<suffix>"). Conversion keeps the
// suffix and swaps the prefix; both directions are idempotent.
const (
	historyIDPrefix = "hist_tool_"
	openAIIDPrefix  = "call_"
)

// NewHistoryToolID mints a fresh core-owned history id.
func NewHistoryToolID() string {
	return historyIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ToHistoryToolID converts any tool call id to the history spelling.
func ToHistoryToolID(id string) string {
	if strings.HasPrefix(id, historyIDPrefix) {
		return id
	}
	if suffix, ok := strings.CutPrefix(id, openAIIDPrefix); ok {
		return historyIDPrefix + suffix
	}
	return historyIDPrefix + id
}

// ToOpenAIToolID converts any tool call id to the OpenAI wire spelling.
func ToOpenAIToolID(id string) string {
	if strings.HasPrefix(id, openAIIDPrefix) {
		return id
	}
	if suffix, ok := strings.CutPrefix(id, historyIDPrefix); ok {
		return openAIIDPrefix + suffix
	}
	return openAIIDPrefix + id
}

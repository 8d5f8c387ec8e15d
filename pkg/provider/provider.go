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

// Package provider defines the driver contract shared by all vendor
// backends, the error taxonomy used for retry and failover decisions, and
// tool id/name normalization helpers.
package provider

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/teradata-labs/relay/pkg/types"
)

// DefaultTimeout is the default HTTP read timeout for a streamed call.
const DefaultTimeout = 120 * time.Second

// Driver is the contract every vendor backend implements. A driver owns no
// cross-call state: a fresh HTTP client is constructed per invocation,
// parameterized by the request-scoped API key or OAuth token, so concurrent
// calls with different credentials are trivially safe.
type Driver interface {
	// Name returns the provider name ("openai", "anthropic", "gemini").
	Name() string

	// GenerateChatCompletion starts a streamed completion and returns a lazy
	// event channel. The channel is closed after the terminal finish or
	// error event. Cancelling ctx aborts the underlying HTTP read.
	GenerateChatCompletion(ctx context.Context, req *types.NormalizedRequest) (<-chan types.Event, error)
}

// NewHTTPClient builds the per-invocation HTTP client. Statelessness is the
// point: no connection pooling survives across calls with different
// credentials.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// SanitizeToolName converts a tool name to provider-compatible format.
// Several providers restrict tool names:
//   - OpenAI-compatible: ^[a-zA-Z0-9_.\-]+$
//   - Gemini: ^[a-zA-Z_][a-zA-Z0-9_]*$
//
// Namespaced tools use colon separators (e.g., "fs:read_file") which break
// these patterns; colons are replaced with underscores.
func SanitizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, ch := range name {
		if ch == ':' {
			b.WriteRune('_')
		} else {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// BuildToolNameMap creates a mapping from sanitized to original tool names.
func BuildToolNameMap(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, name := range names {
		m[SanitizeToolName(name)] = name
	}
	return m
}

// ReverseToolName maps a sanitized tool name back to its original. Returns
// the sanitized name unchanged when no mapping exists.
func ReverseToolName(nameMap map[string]string, sanitized string) string {
	if original, ok := nameMap[sanitized]; ok {
		return original
	}
	return sanitized
}

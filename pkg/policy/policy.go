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

// Package policy decides whether a tool call may run without asking the
// user.
package policy

import (
	"sync"

	"github.com/teradata-labs/relay/pkg/types"
)

// Decision is the outcome of a policy check.
type Decision string

const (
	Allow   Decision = "ALLOW"
	Deny    Decision = "DENY"
	AskUser Decision = "ASK_USER"
)

// Rule maps a tool name to a fixed decision.
type Rule struct {
	Tool     string
	Decision Decision
}

// Engine evaluates tool calls against static rules plus a session-scoped
// always-allow cache populated by ProceedAlways confirmations.
type Engine struct {
	defaultDecision Decision

	mu          sync.RWMutex
	rules       map[string]Decision
	alwaysAllow map[string]bool
}

// NewEngine creates an engine. With no matching rule, tools resolve to the
// default decision; zero value defaults to AskUser.
func NewEngine(defaultDecision Decision, rules ...Rule) *Engine {
	if defaultDecision == "" {
		defaultDecision = AskUser
	}
	e := &Engine{
		defaultDecision: defaultDecision,
		rules:           map[string]Decision{},
		alwaysAllow:     map[string]bool{},
	}
	for _, r := range rules {
		e.rules[r.Tool] = r.Decision
	}
	return e
}

// Check returns the decision for one tool call. The always-allow cache only
// upgrades ASK_USER; an explicit DENY rule is never overridden.
func (e *Engine) Check(call types.ToolCallRequest) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision, ok := e.rules[call.Name]
	if !ok {
		decision = e.defaultDecision
	}
	if decision == AskUser && e.alwaysAllow[call.Name] {
		return Allow
	}
	return decision
}

// AllowAlways records a ProceedAlways confirmation for a tool.
func (e *Engine) AllowAlways(tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alwaysAllow[tool] = true
}

// SetRule installs or replaces a static rule.
func (e *Engine) SetRule(tool string, decision Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[tool] = decision
}

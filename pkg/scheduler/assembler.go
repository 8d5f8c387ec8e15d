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

package scheduler

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/teradata-labs/relay/pkg/types"
)

// Assembler folds streamed tool-call fragments into complete requests. One
// assembler serves one turn. Fragments are addressed by index; the name uses
// last-write-wins while args chunks concatenate in arrival order.
type Assembler struct {
	slots map[int]*slot
}

type slot struct {
	callID   string
	name     string
	args     strings.Builder
	lastName string
	lastArgs string
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{slots: map[int]*slot{}}
}

// Add folds one fragment into its indexed slot. A fragment repeating the
// previous one for the same slot (same name, identical args slice) is
// suppressed.
func (a *Assembler) Add(f types.ToolCallFragment) {
	s, ok := a.slots[f.Index]
	if !ok {
		s = &slot{}
		a.slots[f.Index] = s
	}

	if f.Name == s.lastName && f.Args == s.lastArgs && (f.Name != "" || f.Args != "") {
		return
	}
	s.lastName = f.Name
	s.lastArgs = f.Args

	if f.CallID != "" && s.callID == "" {
		s.callID = f.CallID
	}
	if f.Name != "" {
		s.name = f.Name
	}
	s.args.WriteString(f.Args)
}

// Finalize decodes every complete slot and returns the batch in index order.
// Slots that never received a name are dropped. Args that fail to decode as
// JSON are wrapped as {value: raw}; the tool validates its own input.
func (a *Assembler) Finalize(agentID, promptID string) []types.ToolCallRequest {
	indices := make([]int, 0, len(a.slots))
	for i := range a.slots {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var out []types.ToolCallRequest
	for _, i := range indices {
		s := a.slots[i]
		if s.name == "" {
			continue
		}
		out = append(out, types.ToolCallRequest{
			CallID:   s.callID,
			Name:     s.name,
			Args:     decodeArgs(s.args.String()),
			AgentID:  agentID,
			PromptID: promptID,
		})
	}
	return out
}

func decodeArgs(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"value": raw}
	}
	return args
}

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

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContent_Text(t *testing.T) {
	c := Content{
		Speaker: SpeakerAI,
		Blocks: []Block{
			TextBlock("hello "),
			ToolCallBlock("hist_tool_1", "FindFiles", nil),
			TextBlock("world"),
		},
	}
	assert.Equal(t, "hello world", c.Text())
}

func TestContent_ToolCalls(t *testing.T) {
	c := Content{
		Speaker: SpeakerAI,
		Blocks: []Block{
			TextBlock("looking"),
			ToolCallBlock("hist_tool_1", "FindFiles", map[string]any{"pattern": "*.go"}),
			ToolCallBlock("hist_tool_2", "ReadFile", nil),
		},
	}
	calls := c.ToolCalls()
	assert.Len(t, calls, 2)
	assert.Equal(t, "FindFiles", calls[0].Name)
	assert.Equal(t, "hist_tool_2", calls[1].ID)
}

func TestContent_HasThinking(t *testing.T) {
	tests := []struct {
		name   string
		blocks []Block
		want   bool
	}{
		{"no thinking", []Block{TextBlock("hi")}, false},
		{"thinking", []Block{ThinkingBlock("hmm", ThinkingFromThinking)}, true},
		{
			"redacted only",
			[]Block{{Type: BlockThinking, Thought: "gone", Redacted: true}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Content{Speaker: SpeakerAI, Blocks: tt.blocks}
			assert.Equal(t, tt.want, c.HasThinking())
		})
	}
}

func TestToolCallStatus_Terminal(t *testing.T) {
	assert.False(t, StatusScheduled.Terminal())
	assert.False(t, StatusAwaitingApproval.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

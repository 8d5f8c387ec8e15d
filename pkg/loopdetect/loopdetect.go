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

// Package loopdetect watches the model's output stream for degenerate loops:
// repeated identical tool calls, chanted text, and runaway turn counts.
package loopdetect

import (
	"encoding/json"
	"hash/fnv"
	"strings"

	"github.com/teradata-labs/relay/internal/log"
	"go.uber.org/zap"
)

// Reason identifies which detector fired.
type Reason string

const (
	ConsecutiveIdenticalToolCalls Reason = "CONSECUTIVE_IDENTICAL_TOOL_CALLS"
	ChantingIdenticalSentences    Reason = "CHANTING_IDENTICAL_SENTENCES"
	MaxTurnsExceeded              Reason = "MAX_TURNS_EXCEEDED"
)

const (
	// windowSize is the sliding chunk width for chant detection.
	windowSize = 50
	// contentCap bounds the retained content; truncation shifts stored
	// positions rather than discarding them.
	contentCap = 5000
	// maxAvgSpacing is the widest average gap between recurrences that
	// still counts as chanting.
	maxAvgSpacing = 250
)

// Config holds per-detector thresholds. Zero values take the defaults; a
// negative threshold disables that detector.
type Config struct {
	ToolCallThreshold int // consecutive identical tool calls, default 50
	ChantingThreshold int // chunk recurrences, default 50
	MaxTurnsPerPrompt int // 0 disables turn-overflow detection
}

// Detector accumulates stream observations for one prompt. Not safe for
// concurrent use; the stream consumer owns it.
type Detector struct {
	cfg Config

	// Identical tool calls.
	lastToolHash uint64
	toolRepeats  int

	// Chanting.
	content   []byte
	offset    int // absolute position of content[0]
	positions map[uint64][]int
	inFence   bool

	// Turn overflow.
	turns int

	fired  bool
	reason Reason
}

// New creates a detector with zero-value thresholds defaulted.
func New(cfg Config) *Detector {
	if cfg.ToolCallThreshold == 0 {
		cfg.ToolCallThreshold = 50
	}
	if cfg.ChantingThreshold == 0 {
		cfg.ChantingThreshold = 50
	}
	return &Detector{cfg: cfg, positions: map[uint64][]int{}}
}

// Triggered reports whether any detector has fired. The stream consumer
// checks this at event boundaries; detection never aborts mid-frame.
func (d *Detector) Triggered() (Reason, bool) {
	return d.reason, d.fired
}

func (d *Detector) fire(reason Reason) {
	if d.fired {
		return
	}
	d.fired = true
	d.reason = reason
	log.Warn("loop detected", zap.String("reason", string(reason)))
}

// ToolCall observes one assembled tool call. Identical consecutive calls
// (same name, same canonical args) count toward the threshold.
func (d *Detector) ToolCall(name string, args map[string]any) {
	if d.fired || d.cfg.ToolCallThreshold < 0 {
		return
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	// Go's map marshaling sorts keys, giving a canonical form.
	if encoded, err := json.Marshal(args); err == nil {
		h.Write(encoded)
	}
	sum := h.Sum64()

	if sum == d.lastToolHash && d.toolRepeats > 0 {
		d.toolRepeats++
	} else {
		d.lastToolHash = sum
		d.toolRepeats = 1
	}
	if d.toolRepeats >= d.cfg.ToolCallThreshold {
		d.fire(ConsecutiveIdenticalToolCalls)
	}
}

// TurnStarted observes the start of one model turn.
func (d *Detector) TurnStarted() {
	if d.fired {
		return
	}
	d.turns++
	if d.cfg.MaxTurnsPerPrompt > 0 && d.turns > d.cfg.MaxTurnsPerPrompt {
		d.fire(MaxTurnsExceeded)
	}
}

// TextDelta observes one streamed text chunk for chant detection. Markdown
// structure resets tracking; fenced code pauses analysis entirely.
func (d *Detector) TextDelta(text string) {
	if d.fired || d.cfg.ChantingThreshold < 0 {
		return
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "```") {
			d.inFence = !d.inFence
			d.resetChant()
			continue
		}
		if d.inFence {
			continue
		}
		if isMarkdownStructure(trimmed) {
			d.resetChant()
			continue
		}
		d.track([]byte(line))
		if d.fired {
			return
		}
	}
}

func (d *Detector) resetChant() {
	d.content = d.content[:0]
	d.offset = 0
	d.positions = map[uint64][]int{}
}

// isMarkdownStructure reports whether a line opens a structural markdown
// element: heading, blockquote, list item, table row, or divider.
func isMarkdownStructure(line string) bool {
	switch {
	case strings.HasPrefix(line, "#"),
		strings.HasPrefix(line, ">"),
		strings.HasPrefix(line, "- "),
		strings.HasPrefix(line, "* "),
		strings.HasPrefix(line, "+ "),
		strings.HasPrefix(line, "|"),
		strings.HasPrefix(line, "---"),
		strings.HasPrefix(line, "==="):
		return true
	}
	if len(line) > 1 && line[0] >= '0' && line[0] <= '9' {
		rest := strings.TrimLeft(line, "0123456789")
		return strings.HasPrefix(rest, ". ") || strings.HasPrefix(rest, ") ")
	}
	return false
}

// track appends bytes and hashes every complete window ending in the new
// region. A chunk chants when it recurs at least the threshold number of
// times with average spacing no wider than maxAvgSpacing.
func (d *Detector) track(b []byte) {
	start := len(d.content)
	d.content = append(d.content, b...)

	for end := max(start, windowSize); end <= len(d.content); end++ {
		h := fnv.New64a()
		h.Write(d.content[end-windowSize : end])
		sum := h.Sum64()

		abs := d.offset + end
		d.positions[sum] = append(d.positions[sum], abs)
		positions := d.positions[sum]
		if len(positions) >= d.cfg.ChantingThreshold {
			span := positions[len(positions)-1] - positions[0]
			if span/(len(positions)-1) <= maxAvgSpacing {
				d.fire(ChantingIdenticalSentences)
				return
			}
		}
	}

	// Truncate from the front past the cap; stored positions stay valid
	// because they are absolute against offset.
	if len(d.content) > contentCap {
		drop := len(d.content) - contentCap
		d.content = append(d.content[:0], d.content[drop:]...)
		d.offset += drop
	}
}

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

// Package recorder journals session events to an append-only JSONL file.
// The file is not materialized until the first content line arrives; a
// failing disk never fails the caller.
package recorder

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/teradata-labs/relay/internal/log"
	"go.uber.org/zap"
)

// LineVersion is the journal line schema version.
const LineVersion = 1

// Line types with dedicated behavior.
const (
	TypeSessionStart   = "session_start"
	TypeSessionEvent   = "session_event"
	TypeContent        = "content"
	TypeProviderSwitch = "provider_switch"
)

// JournalLine is one journal record.
type JournalLine struct {
	V       int       `json:"v"`
	Seq     int       `json:"seq"`
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// Recorder buffers lines in memory and drains them to disk asynchronously.
// Enqueue is O(1) and never blocks on I/O; drains are serialized so the file
// sees lines in seq order.
type Recorder struct {
	dir       string
	sessionID string
	now       func() time.Time

	mu           sync.Mutex
	cond         *sync.Cond
	seq          int
	queue        [][]byte
	filePath     string
	materialized bool
	draining     bool
	inactive     bool
}

// New creates a recorder that will journal into dir once content arrives.
func New(dir, sessionID string) *Recorder {
	r := &Recorder{dir: dir, sessionID: sessionID, now: time.Now}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// NewWithClock creates a recorder with an injected clock.
func NewWithClock(dir, sessionID string, now func() time.Time) *Recorder {
	r := New(dir, sessionID)
	r.now = now
	return r
}

// InitializeForResume points the recorder at an existing journal, restoring
// sequence numbering and suppressing pre-content buffering.
func (r *Recorder) InitializeForResume(filePath string, lastSeq int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filePath = filePath
	r.seq = lastSeq
	r.materialized = true
}

// FilePath returns the journal path, empty until materialization.
func (r *Recorder) FilePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filePath
}

// Active reports whether the recorder is still writing.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.inactive
}

// Enqueue appends one line to the journal. Events before the first content
// line are held in memory; the first content line names the file and flushes
// the buffer ahead of itself. After the recorder goes inactive, lines are
// dropped silently.
func (r *Recorder) Enqueue(lineType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inactive {
		return
	}

	r.seq++
	line := JournalLine{V: LineVersion, Seq: r.seq, TS: r.now().UTC(), Type: lineType, Payload: payload}
	encoded, err := json.Marshal(line)
	if err != nil {
		log.Debug("failed to marshal journal line", zap.Error(err))
		r.seq--
		return
	}
	r.queue = append(r.queue, append(encoded, '\n'))

	if !r.materialized {
		if lineType != TypeContent {
			return
		}
		stamp := r.now().UTC().Format("2006-01-02T15-04")
		sid := r.sessionID
		if len(sid) > 8 {
			sid = sid[:8]
		}
		r.filePath = filepath.Join(r.dir, "session-"+stamp+"-"+sid+".jsonl")
		r.materialized = true
	}
	r.scheduleDrainLocked()
}

func (r *Recorder) scheduleDrainLocked() {
	if r.draining || len(r.queue) == 0 {
		return
	}
	r.draining = true
	go r.drain()
}

// drain appends everything queued in one write. A full disk or a permission
// error marks the recorder inactive; recording failure is always silent.
func (r *Recorder) drain() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	path := r.filePath
	r.mu.Unlock()

	var buf []byte
	for _, line := range batch {
		buf = append(buf, line...)
	}
	err := appendFile(path, buf)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = false
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) || errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
			r.inactive = true
			r.queue = nil
			log.Debug("recorder going inactive", zap.Error(err))
		}
		r.cond.Broadcast()
		return
	}
	if len(r.queue) > 0 {
		r.scheduleDrainLocked()
	}
	r.cond.Broadcast()
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(data)
	return err
}

// Flush blocks until every queued line has been written or the recorder has
// gone inactive.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for (len(r.queue) > 0 || r.draining) && !r.inactive && r.materialized {
		r.cond.Wait()
	}
}

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

package loadbalancer

import "time"

// ringSize is the number of minute buckets retained per sub-profile.
const ringSize = 5

// minuteBucket accumulates tokens attributed to one wall-clock minute.
type minuteBucket struct {
	minute int64 // unix time / 60
	tokens int
}

// tpmRing is a minute-aligned rolling window of token usage. Buckets older
// than five minutes are evicted on every read and write.
type tpmRing struct {
	buckets []minuteBucket
}

func newTPMRing() *tpmRing {
	return &tpmRing{buckets: make([]minuteBucket, 0, ringSize)}
}

func (r *tpmRing) evict(now time.Time) {
	cutoff := now.Unix()/60 - (ringSize - 1)
	kept := r.buckets[:0]
	for _, b := range r.buckets {
		if b.minute >= cutoff {
			kept = append(kept, b)
		}
	}
	r.buckets = kept
}

// Add attributes tokens to the current minute. Negative deltas are ignored
// so a bucket can never go below zero.
func (r *tpmRing) Add(now time.Time, tokens int) {
	if tokens <= 0 {
		return
	}
	r.evict(now)
	minute := now.Unix() / 60
	for i := range r.buckets {
		if r.buckets[i].minute == minute {
			r.buckets[i].tokens += tokens
			return
		}
	}
	r.buckets = append(r.buckets, minuteBucket{minute: minute, tokens: tokens})
}

// Observed returns tokens-per-minute over the window: the sum of surviving
// buckets divided by the elapsed minutes since the oldest one (minimum 1).
func (r *tpmRing) Observed(now time.Time) float64 {
	r.evict(now)
	if len(r.buckets) == 0 {
		return 0
	}
	var total int
	oldest := r.buckets[0].minute
	for _, b := range r.buckets {
		total += b.tokens
		if b.minute < oldest {
			oldest = b.minute
		}
	}
	elapsed := now.Unix()/60 - oldest + 1
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(total) / float64(elapsed)
}

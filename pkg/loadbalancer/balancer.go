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

// Package loadbalancer fans a normalized request out across sub-profiles
// according to a configured policy, with rolling-window TPM accounting and
// per-error-category retry orchestration.
package loadbalancer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teradata-labs/relay/internal/log"
	"github.com/teradata-labs/relay/pkg/confirm"
	"github.com/teradata-labs/relay/pkg/provider"
	"github.com/teradata-labs/relay/pkg/types"
	"go.uber.org/zap"
)

// Policy names.
const (
	PolicyRoundRobin   = "roundrobin"
	PolicyFailover     = "failover"
	PolicyTPMThreshold = "tpm_threshold"
	PolicyBucket       = "bucket"
)

// DefaultFailoverRetryCount caps attempts per sub-profile.
const DefaultFailoverRetryCount = 2

// exhaustedCooldown is how long a bucket stays parked after a quota or auth
// failure before it is offered again.
const exhaustedCooldown = 5 * time.Minute

// Target is one routable sub-profile: a driver plus the fully built request
// for that sub-profile's provider and credentials.
type Target struct {
	Name    string
	Driver  provider.Driver
	Request *types.NormalizedRequest
}

// Config holds balancer configuration.
type Config struct {
	Policy             string
	TPMThreshold       float64
	FailoverRetryCount int
	BackoffBase        time.Duration

	// Bus, when set with the bucket policy, gates the first use of each
	// bucket behind a BUCKET_AUTH_CONFIRMATION_REQUEST.
	Bus *confirm.Bus

	// OnSwitch is called when a call moves off a sub-profile that could
	// not serve it onto the next candidate.
	OnSwitch func(from, to string)

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Attempt records one failed call for the exhaustion report.
type Attempt struct {
	Target string
	Err    error
}

// ExhaustedError is returned when every candidate failed. Attempts are in
// the order they were made.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Target, a.Err)
	}
	return fmt.Sprintf("load balancer exhausted after %d attempts: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// Balancer routes calls across targets. Tables are guarded by a mutex; the
// router drives one balancer per profile from a single goroutine, but usage
// recording may arrive from driver goroutines.
type Balancer struct {
	cfg Config

	mu         sync.Mutex
	lastIndex  int
	rings      map[string]*tpmRing
	parked     map[string]time.Time
	authorized map[string]bool
}

// New creates a balancer with zero values defaulted.
func New(cfg Config) *Balancer {
	if cfg.Policy == "" {
		cfg.Policy = PolicyFailover
	}
	if cfg.FailoverRetryCount <= 0 {
		cfg.FailoverRetryCount = DefaultFailoverRetryCount
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Balancer{
		cfg:        cfg,
		lastIndex:  -1,
		rings:      map[string]*tpmRing{},
		parked:     map[string]time.Time{},
		authorized: map[string]bool{},
	}
}

// RecordUsage attributes tokens to a sub-profile's current minute bucket.
func (b *Balancer) RecordUsage(target string, tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.rings[target]
	if !ok {
		ring = newTPMRing()
		b.rings[target] = ring
	}
	ring.Add(b.cfg.Now(), tokens)
}

// ObservedTPM returns the rolling-window tokens-per-minute for a sub-profile.
func (b *Balancer) ObservedTPM(target string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.rings[target]
	if !ok {
		return 0
	}
	return ring.Observed(b.cfg.Now())
}

// observedLocked reads a ring without taking the mutex; callers hold it.
func (b *Balancer) observedLocked(target string, now time.Time) float64 {
	ring, ok := b.rings[target]
	if !ok {
		return 0
	}
	return ring.Observed(now)
}

// candidates returns the attempt order for this call under the active policy.
func (b *Balancer) candidates(targets []Target) []Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Now()

	switch b.cfg.Policy {
	case PolicyRoundRobin:
		// Single attempt at the next index; no failover.
		b.lastIndex = (b.lastIndex + 1) % len(targets)
		return []Target{targets[b.lastIndex]}

	case PolicyTPMThreshold:
		// A sub-profile showing low observed TPM is being throttled or is
		// underperforming; prefer those meeting the threshold, then the
		// rest by ascending TPM so the least-loaded cold target goes first.
		var meets, below []Target
		for _, t := range targets {
			ring := b.rings[t.Name]
			var observed float64
			if ring != nil {
				observed = ring.Observed(now)
			}
			if observed >= b.cfg.TPMThreshold && b.cfg.TPMThreshold > 0 {
				meets = append(meets, t)
			} else {
				below = append(below, t)
			}
		}
		sort.SliceStable(below, func(i, j int) bool {
			return b.observedLocked(below[i].Name, now) < b.observedLocked(below[j].Name, now)
		})
		return append(meets, below...)

	case PolicyBucket:
		// Skip buckets parked by a quota or auth failure that has not
		// cooled down yet.
		var open, parked []Target
		for _, t := range targets {
			if until, ok := b.parked[t.Name]; ok && now.Before(until) {
				parked = append(parked, t)
				continue
			}
			open = append(open, t)
		}
		return append(open, parked...)

	default: // PolicyFailover
		out := make([]Target, len(targets))
		copy(out, targets)
		return out
	}
}

func (b *Balancer) park(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parked[target] = b.cfg.Now().Add(exhaustedCooldown)
}

// Execute runs the request against the policy-ordered candidates. The
// returned channel carries the winning stream; an attempt that errors before
// producing output is retried or failed over per its error category.
func (b *Balancer) Execute(ctx context.Context, targets []Target) (<-chan types.Event, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}

	out := make(chan types.Event, 16)
	go func() {
		defer close(out)
		var attempts []Attempt

		candidates := b.candidates(targets)
		var prev string
		for i, target := range candidates {
			if prev != "" && b.cfg.OnSwitch != nil {
				b.cfg.OnSwitch(prev, target.Name)
			}
			prev = target.Name
			if err := b.authorizeBucket(ctx, target, i, len(candidates)); err != nil {
				attempts = append(attempts, Attempt{Target: target.Name, Err: err})
				continue
			}
			retries := b.cfg.FailoverRetryCount
			for attempt := 0; attempt < retries; attempt++ {
				err := b.tryOnce(ctx, target, out)
				if err == nil {
					return
				}
				attempts = append(attempts, Attempt{Target: target.Name, Err: err})
				if ctx.Err() != nil {
					out <- types.ErrorEvent(ctx.Err())
					return
				}

				category := provider.Categorize(err)
				if provider.TriggersBucketFailover(category) {
					b.park(target.Name)
				}
				log.Warn("load balancer attempt failed",
					zap.String("target", target.Name),
					zap.String("category", string(category)),
					zap.Error(err))

				switch category {
				case provider.CategoryQuota:
					// Instant bucket failover, no retry on this target.
					attempt = retries
				case provider.CategoryAuth:
					// One retry to allow token refresh.
					if attempt >= 1 {
						attempt = retries
					}
				case provider.CategoryClient:
					out <- types.ErrorEvent(err)
					return
				default:
					if !provider.Retryable(category) {
						attempt = retries
					}
				}
				if attempt < retries-1 {
					if !sleepCtx(ctx, b.cfg.BackoffBase<<uint(attempt)) {
						out <- types.ErrorEvent(ctx.Err())
						return
					}
				}
			}
		}
		out <- types.ErrorEvent(&ExhaustedError{Attempts: attempts})
	}()
	return out, nil
}

// authorizeBucket gates the first use of a bucket behind user confirmation.
// Only the bucket policy with a bus configured asks; everything else is a
// no-op. A granted bucket stays authorized for the balancer's lifetime.
func (b *Balancer) authorizeBucket(ctx context.Context, target Target, index, total int) error {
	if b.cfg.Policy != PolicyBucket || b.cfg.Bus == nil {
		return nil
	}
	b.mu.Lock()
	done := b.authorized[target.Name]
	b.mu.Unlock()
	if done {
		return nil
	}

	providerName := ""
	if target.Request != nil {
		providerName = target.Request.ProviderOptions.Provider
	}
	resp, err := b.cfg.Bus.RequestBucketAuth(ctx, providerName, target.Name, index, total)
	if err != nil {
		return fmt.Errorf("bucket %s authorization failed: %w", target.Name, err)
	}
	if !resp.Confirmed {
		return fmt.Errorf("bucket %s was not authorized", target.Name)
	}
	b.mu.Lock()
	b.authorized[target.Name] = true
	b.mu.Unlock()
	return nil
}

// tryOnce runs a single driver call. An error before any non-error event is
// returned for retry; once output has been forwarded the stream is committed
// and errors pass through to the caller.
func (b *Balancer) tryOnce(ctx context.Context, target Target, out chan<- types.Event) error {
	stream, err := target.Driver.GenerateChatCompletion(ctx, target.Request)
	if err != nil {
		return err
	}

	var (
		committed bool
		sawUsage  bool
		response  strings.Builder
	)
	for ev := range stream {
		switch ev.Type {
		case types.EventError:
			if !committed {
				// Drain the remainder so the driver goroutine exits.
				for range stream {
				}
				return ev.Err
			}
			out <- ev
		case types.EventUsage:
			sawUsage = true
			if ev.Usage != nil {
				b.RecordUsage(target.Name, ev.Usage.PromptTokens+ev.Usage.CandidatesTokens)
			}
			committed = true
			out <- ev
		default:
			if ev.Type == types.EventContent {
				response.WriteString(ev.Text)
			}
			committed = true
			out <- ev
		}
	}
	if !committed {
		return fmt.Errorf("provider %s returned an empty stream", target.Name)
	}
	if !sawUsage {
		b.RecordUsage(target.Name, EstimateTokens(target.Request, response.String()))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

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

// Package router dispatches a normalized request to a provider driver, either
// directly for standard profiles or through the load balancer for
// loadbalancer profiles.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teradata-labs/relay/internal/log"
	"github.com/teradata-labs/relay/pkg/confirm"
	"github.com/teradata-labs/relay/pkg/loadbalancer"
	"github.com/teradata-labs/relay/pkg/profile"
	"github.com/teradata-labs/relay/pkg/provider"
	"github.com/teradata-labs/relay/pkg/provider/anthropic"
	"github.com/teradata-labs/relay/pkg/provider/gemini"
	"github.com/teradata-labs/relay/pkg/provider/openai"
	"github.com/teradata-labs/relay/pkg/types"
	"go.uber.org/zap"
)

// RequestBuilder produces the normalized request for one resolved profile.
// The router calls it once per standard profile and once per sub-profile of
// a load-balanced pool.
type RequestBuilder func(p *profile.Profile) (*types.NormalizedRequest, error)

// Router resolves profiles to drivers. One balancer is kept per
// load-balanced profile so its TPM tables and bucket state persist across
// calls.
type Router struct {
	store    *profile.Store
	drivers  map[string]provider.Driver
	bus      *confirm.Bus
	onSwitch func(profile, from, to string)

	mu        sync.Mutex
	balancers map[string]*loadbalancer.Balancer
}

// New creates a router with the built-in drivers registered.
func New(store *profile.Store) *Router {
	return &Router{
		store: store,
		drivers: map[string]provider.Driver{
			"openai":    openai.New(),
			"anthropic": anthropic.New(),
			"gemini":    gemini.New(),
		},
		balancers: map[string]*loadbalancer.Balancer{},
	}
}

// RegisterDriver adds or replaces a driver for a provider name.
func (r *Router) RegisterDriver(name string, d provider.Driver) {
	r.drivers[name] = d
}

// SetBus installs the confirmation bus handed to bucket-policy balancers for
// first-use authorization prompts.
func (r *Router) SetBus(bus *confirm.Bus) {
	r.bus = bus
}

// SetSwitchListener installs the callback invoked when a load-balanced
// profile fails over between sub-profiles. Set it before the first Route.
func (r *Router) SetSwitchListener(fn func(profile, from, to string)) {
	r.onSwitch = fn
}

// DriverFor returns the driver registered for a provider.
func (r *Router) DriverFor(providerName string) (provider.Driver, error) {
	d, ok := r.drivers[providerName]
	if !ok {
		return nil, fmt.Errorf("no driver registered for provider %q", providerName)
	}
	return d, nil
}

// Route loads the named profile and executes the request it describes.
func (r *Router) Route(ctx context.Context, profileName string, build RequestBuilder) (<-chan types.Event, error) {
	p, err := r.store.Load(profileName)
	if err != nil {
		return nil, err
	}
	if p.IsLoadBalancer() {
		return r.routeBalanced(ctx, profileName, p, build)
	}
	return r.routeStandard(ctx, p, build)
}

func (r *Router) routeStandard(ctx context.Context, p *profile.Profile, build RequestBuilder) (<-chan types.Event, error) {
	driver, err := r.DriverFor(p.Provider)
	if err != nil {
		return nil, err
	}
	req, err := build(p)
	if err != nil {
		return nil, err
	}
	return driver.GenerateChatCompletion(ctx, req)
}

func (r *Router) routeBalanced(ctx context.Context, name string, p *profile.Profile, build RequestBuilder) (<-chan types.Event, error) {
	if len(p.Profiles) == 0 {
		return nil, fmt.Errorf("loadbalancer profile %q lists no sub-profiles", name)
	}

	targets := make([]loadbalancer.Target, 0, len(p.Profiles))
	for _, subName := range p.Profiles {
		sub, err := r.store.Load(subName)
		if err != nil {
			return nil, err
		}
		if sub.IsLoadBalancer() {
			return nil, fmt.Errorf("sub-profile %q of %q is itself a loadbalancer", subName, name)
		}
		driver, err := r.DriverFor(sub.Provider)
		if err != nil {
			return nil, err
		}
		req, err := build(sub)
		if err != nil {
			return nil, err
		}
		targets = append(targets, loadbalancer.Target{Name: subName, Driver: driver, Request: req})
	}

	log.Debug("routing through load balancer",
		zap.String("profile", name),
		zap.String("policy", p.Policy),
		zap.Int("targets", len(targets)))
	return r.balancerFor(name, p).Execute(ctx, targets)
}

// balancerFor returns the persistent balancer for a profile, creating it on
// first use from the profile's ephemeral settings.
func (r *Router) balancerFor(name string, p *profile.Profile) *loadbalancer.Balancer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.balancers[name]; ok {
		return b
	}
	cfg := loadbalancer.Config{Policy: p.Policy, Bus: r.bus}
	cfg.OnSwitch = func(from, to string) {
		if r.onSwitch != nil {
			r.onSwitch(name, from, to)
		}
	}
	if v, ok := numberSetting(p.EphemeralSettings, "tpm_threshold"); ok {
		cfg.TPMThreshold = v
	}
	if v, ok := numberSetting(p.EphemeralSettings, "failover_retry_count"); ok {
		cfg.FailoverRetryCount = int(v)
	}
	if v, ok := numberSetting(p.EphemeralSettings, "retry_wait_ms"); ok {
		cfg.BackoffBase = time.Duration(v) * time.Millisecond
	}
	b := loadbalancer.New(cfg)
	r.balancers[name] = b
	return b
}

func numberSetting(settings map[string]any, key string) (float64, bool) {
	switch v := settings[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

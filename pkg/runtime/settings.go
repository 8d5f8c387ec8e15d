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

package runtime

import (
	"context"
	"sync"

	"github.com/teradata-labs/relay/internal/pubsub"
)

// SettingChange is published whenever a setting is written.
type SettingChange struct {
	Key   string
	Value any
}

// SettingsService holds the session's ephemeral settings. Reads see a
// consistent snapshot; writes are serialized and emit a change event.
type SettingsService struct {
	mu     sync.RWMutex
	values map[string]any
	broker *pubsub.Broker[SettingChange]
}

// NewSettingsService creates a service seeded with initial values.
func NewSettingsService(initial map[string]any) *SettingsService {
	values := map[string]any{}
	for k, v := range initial {
		values[k] = v
	}
	return &SettingsService{
		values: values,
		broker: pubsub.NewBroker[SettingChange](),
	}
}

// Set writes one setting and notifies watchers.
func (s *SettingsService) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.broker.Publish(pubsub.UpdatedEvent, SettingChange{Key: key, Value: value})
}

// Delete removes one setting and notifies watchers.
func (s *SettingsService) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	s.broker.Publish(pubsub.DeletedEvent, SettingChange{Key: key})
}

// Get reads one setting.
func (s *SettingsService) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a copy of all settings.
func (s *SettingsService) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Watch subscribes to setting changes until ctx is done.
func (s *SettingsService) Watch(ctx context.Context) <-chan pubsub.Event[SettingChange] {
	return s.broker.Subscribe(ctx)
}

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

// Package profile loads and saves named provider profiles from the user's
// home directory.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/teradata-labs/relay/internal/log"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

const (
	// Version is the only supported profile schema version.
	Version = 1

	// TypeStandard selects a single provider/model pair.
	TypeStandard = "standard"
	// TypeLoadBalancer fans out across saved standard profiles.
	TypeLoadBalancer = "loadbalancer"
)

// Profile is one saved provider configuration.
type Profile struct {
	Version           int            `json:"version"`
	Type              string         `json:"type,omitempty"`
	Provider          string         `json:"provider"`
	Model             string         `json:"model"`
	ModelParams       map[string]any `json:"modelParams"`
	EphemeralSettings map[string]any `json:"ephemeralSettings"`

	// Load-balancer profiles only.
	Policy   string   `json:"policy,omitempty"`
	Profiles []string `json:"profiles,omitempty"`
}

// IsLoadBalancer reports whether the profile fans out across sub-profiles.
func (p *Profile) IsLoadBalancer() bool {
	return p.Type == TypeLoadBalancer
}

// schema validates the structural shape of a profile file before the loader
// applies its own semantic checks.
const schema = `{
  "type": "object",
  "properties": {
    "version": {"type": "integer"},
    "type": {"type": "string", "enum": ["standard", "loadbalancer"]},
    "provider": {"type": "string"},
    "model": {"type": "string"},
    "modelParams": {"type": "object"},
    "ephemeralSettings": {"type": "object"},
    "policy": {"type": "string"},
    "profiles": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["version", "provider", "model", "modelParams", "ephemeralSettings"]
}`

var compiledSchema = gojsonschema.NewStringLoader(schema)

// Store reads and writes profiles under a base directory, by default
// <home>/.llxprt/profiles.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the default profile directory.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return &Store{dir: filepath.Join(home, ".llxprt", "profiles")}, nil
}

// NewStoreAt creates a store rooted at an explicit directory.
func NewStoreAt(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the on-disk path for a named profile.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads and validates a named profile. Error strings are part of the
// caller contract and must not be reworded.
func (s *Store) Load(name string) (*Profile, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Profile '%s' not found", name)
		}
		return nil, fmt.Errorf("failed to read profile '%s': %w", name, err)
	}

	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("Profile '%s' is corrupted", name)
	}
	if !result.Valid() {
		if !json.Valid(data) {
			return nil, fmt.Errorf("Profile '%s' is corrupted", name)
		}
		return nil, fmt.Errorf("Profile '%s' is invalid: missing required fields", name)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("Profile '%s' is corrupted", name)
	}
	if p.Version != Version {
		return nil, fmt.Errorf("unsupported profile version")
	}
	if p.Provider == "" || p.Model == "" {
		return nil, fmt.Errorf("Profile '%s' is invalid: missing required fields", name)
	}
	return &p, nil
}

// Save writes a profile as pretty-printed two-space-indented JSON, creating
// the profile directory if needed.
func (s *Store) Save(name string, p *Profile) error {
	if p.Version == 0 {
		p.Version = Version
	}
	if p.ModelParams == nil {
		p.ModelParams = map[string]any{}
	}
	if p.EphemeralSettings == nil {
		p.EphemeralSettings = map[string]any{}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile '%s': %w", name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := os.WriteFile(s.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile '%s': %w", name, err)
	}
	log.Debug("saved profile", zap.String("name", name), zap.String("path", s.Path(name)))
	return nil
}

// List returns the names of all saved profiles.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(".json")])
	}
	return names, nil
}

// Delete removes a saved profile.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.Path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("Profile '%s' not found", name)
		}
		return fmt.Errorf("failed to delete profile '%s': %w", name, err)
	}
	return nil
}

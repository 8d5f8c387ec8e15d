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

// Package auth resolves provider credentials: API keys from files or
// settings, and OAuth tokens from the system keyring. OAuth tokens are
// stored per bucket so the load balancer can rotate across accounts.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces relay entries in the system keyring.
const keyringService = "relay-oauth"

// ReadKeyFile reads an API key from a file, trimming surrounding whitespace.
func ReadKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("key file %s is empty", path)
	}
	return key, nil
}

// Token is one stored OAuth credential.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the token is past its expiry. Tokens without an
// expiry never expire.
func (t *Token) Expired() bool {
	return !t.Expiry.IsZero() && time.Now().After(t.Expiry)
}

// TokenStore persists OAuth tokens in the system keyring, keyed by provider
// and bucket name.
type TokenStore struct{}

// NewTokenStore creates a keyring-backed token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func entryKey(provider, bucket string) string {
	if bucket == "" {
		bucket = "default"
	}
	return provider + "/" + bucket
}

// Store saves a token for a provider bucket.
func (s *TokenStore) Store(provider, bucket string, token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := keyring.Set(keyringService, entryKey(provider, bucket), string(data)); err != nil {
		return fmt.Errorf("failed to store token for %s: %w", entryKey(provider, bucket), err)
	}
	return nil
}

// Load retrieves a token for a provider bucket. A missing entry returns
// keyring.ErrNotFound.
func (s *TokenStore) Load(provider, bucket string) (*Token, error) {
	raw, err := keyring.Get(keyringService, entryKey(provider, bucket))
	if err != nil {
		return nil, err
	}
	var token Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("stored token for %s is corrupted: %w", entryKey(provider, bucket), err)
	}
	return &token, nil
}

// Delete removes a stored token.
func (s *TokenStore) Delete(provider, bucket string) error {
	return keyring.Delete(keyringService, entryKey(provider, bucket))
}

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

package normalizer

import "fmt"

// ConfigError reports an unknown or unusable provider configuration.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for provider %q: %s", e.Provider, e.Reason)
}

// ProfileInvalid reports a structurally broken profile handed to the
// normalizer.
type ProfileInvalid struct {
	Name   string
	Reason string
}

func (e *ProfileInvalid) Error() string {
	return fmt.Sprintf("profile %q is invalid: %s", e.Name, e.Reason)
}

// ValidationError reports a setting whose value is outside its accepted
// domain.
type ValidationError struct {
	Key      string
	Value    any
	Expected string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %v for setting %q: expected %s", e.Value, e.Key, e.Expected)
}

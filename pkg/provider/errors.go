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

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Category classifies an error for retry and failover decisions.
type Category string

const (
	CategoryConfig         Category = "ConfigError"
	CategoryProfileInvalid Category = "ProfileInvalid"
	CategoryAuth           Category = "AuthenticationRequired"
	CategoryRateLimit      Category = "RateLimit"
	CategoryQuota          Category = "Quota"
	CategoryServer         Category = "ServerError"
	CategoryNetwork        Category = "NetworkError"
	CategoryClient         Category = "ClientError"
	CategoryToolExecution  Category = "ToolExecutionError"
	CategoryPolicy         Category = "PolicyRejection"
	CategoryLoopDetected   Category = "LoopDetected"
	CategoryExhausted      Category = "LoadBalancerExhausted"
	CategoryMissingRuntime Category = "MissingRuntimeContext"
	CategoryTimeout        Category = "SchedulerTimeout"
	CategoryCancelled      Category = "CancelledByUser"
	CategoryRecorder       Category = "RecorderInactive"
)

// APIError is an error from a provider call, categorized for the load
// balancer's retry orchestration.
type APIError struct {
	Category   Category
	StatusCode int
	Provider   string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s API error (status %d): %s", e.Category, e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Category, e.Provider, e.Message)
}

// NewAPIError builds a categorized error from an HTTP status code.
func NewAPIError(providerName string, statusCode int, body string) *APIError {
	return &APIError{
		Category:   CategorizeStatus(statusCode),
		StatusCode: statusCode,
		Provider:   providerName,
		Message:    strings.TrimSpace(body),
	}
}

// CategorizeStatus maps an HTTP status code to an error category.
func CategorizeStatus(statusCode int) Category {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return CategoryRateLimit
	case statusCode == http.StatusPaymentRequired:
		return CategoryQuota
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return CategoryAuth
	case statusCode >= 500:
		return CategoryServer
	case statusCode >= 400:
		return CategoryClient
	default:
		return CategoryServer
	}
}

// Categorize classifies an arbitrary error. APIErrors keep their category;
// context cancellation maps to CancelledByUser; transport failures map to
// NetworkError.
func Categorize(err error) Category {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	return CategoryNetwork
}

// Retryable reports whether a category is eligible for retry with backoff
// on the same sub-profile.
func Retryable(c Category) bool {
	switch c {
	case CategoryRateLimit, CategoryServer, CategoryNetwork:
		return true
	case CategoryAuth:
		// One retry allowed for token refresh; the load balancer caps it.
		return true
	}
	return false
}

// TriggersBucketFailover reports whether a category rotates to the next
// credential bucket (402/429/403-style exhaustion).
func TriggersBucketFailover(c Category) bool {
	switch c {
	case CategoryRateLimit, CategoryQuota, CategoryAuth:
		return true
	}
	return false
}

// MissingRuntimeContextError is fatal: a driver was invoked without the
// runtime fields it needs. It carries enough for operator diagnosis.
type MissingRuntimeContextError struct {
	ProviderKey   string
	MissingFields []string
	Requirement   string
	Remediation   string
}

func (e *MissingRuntimeContextError) Error() string {
	return fmt.Sprintf("MissingRuntimeContext: provider %q missing %s: %s (%s)",
		e.ProviderKey, strings.Join(e.MissingFields, ", "), e.Requirement, e.Remediation)
}

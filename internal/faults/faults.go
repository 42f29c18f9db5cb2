// Copyright 2025 The Agents Dashboard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package faults defines the engine's error taxonomy and the classifier
// that maps harness failure text to a retry decision.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindInvalidInput          Kind = "InvalidInput"
	KindNotFound              Kind = "NotFound"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindConcurrencyCapReached Kind = "ConcurrencyCapReached"
	KindInvalidTransition     Kind = "InvalidTransition"
	KindTimeout               Kind = "Timeout"
	KindRateLimitExceeded     Kind = "RateLimitExceeded"
	KindResourceExhausted     Kind = "ResourceExhausted"
	KindNetworkError          Kind = "NetworkError"
	KindConfigurationError    Kind = "ConfigurationError"
	KindAuthenticationError   Kind = "AuthenticationError"
	KindInternalError         Kind = "InternalError"
	KindUnknown               Kind = "Unknown"
)

// Retryable reports whether failures of this kind feed the retry policy.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimitExceeded, KindTimeout, KindResourceExhausted,
		KindNetworkError, KindUnknown:
		return true
	}
	return false
}

// BackoffHint returns the suggested minimum delay before retrying, or
// zero for non-retryable kinds.
func (k Kind) BackoffHint() time.Duration {
	switch k {
	case KindRateLimitExceeded, KindResourceExhausted:
		return 60 * time.Second
	case KindTimeout, KindNetworkError:
		return 30 * time.Second
	case KindUnknown:
		return 10 * time.Second
	}
	return 0
}

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Soft errors defer a dispatch rather than failing it. They are never
// surfaced to the operator as run failures.
var (
	ErrConcurrencyCapReached = New(KindConcurrencyCapReached, "concurrency cap reached")
	ErrNoHealthyWorker       = errors.New("no healthy worker available")
	ErrApprovalRequired      = errors.New("approval required")
)

// IsSoft reports whether the error defers a dispatch instead of failing it.
func IsSoft(err error) bool {
	return errors.Is(err, ErrConcurrencyCapReached) ||
		errors.Is(err, ErrNoHealthyWorker) ||
		errors.Is(err, ErrApprovalRequired)
}

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

package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		errText  string
		exitCode int
		want     Kind
	}{
		{"rate limit text", "429 Too Many Requests from upstream", 1, KindRateLimitExceeded},
		{"overloaded", "the model is overloaded", 1, KindRateLimitExceeded},
		{"timeout", "context deadline exceeded", 1, KindTimeout},
		{"auth", "401 unauthorized", 1, KindAuthenticationError},
		{"invalid input", "malformed request body", 1, KindInvalidInput},
		{"not found", "repository not found", 1, KindNotFound},
		{"permission", "permission denied writing file", 1, KindPermissionDenied},
		{"network", "connection refused", 1, KindNetworkError},
		{"oom text", "process ran out of memory", 1, KindResourceExhausted},
		{"oom kill overrides text", "whatever text", 137, KindResourceExhausted},
		{"unmatched", "something odd happened", 1, KindUnknown},
		{"empty", "", 1, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.errText, tt.exitCode))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindRateLimitExceeded, KindTimeout, KindResourceExhausted, KindNetworkError, KindUnknown}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), string(k))
	}

	final := []Kind{KindInvalidInput, KindNotFound, KindPermissionDenied,
		KindAuthenticationError, KindConfigurationError, KindInternalError, KindInvalidTransition}
	for _, k := range final {
		assert.False(t, k.Retryable(), string(k))
	}
}

func TestBackoffHint(t *testing.T) {
	assert.Equal(t, 60*time.Second, KindRateLimitExceeded.BackoffHint())
	assert.Equal(t, 30*time.Second, KindTimeout.BackoffHint())
	assert.Equal(t, 10*time.Second, KindUnknown.BackoffHint())
	assert.Equal(t, time.Duration(0), KindInvalidInput.BackoffHint())
}

func TestKindOf(t *testing.T) {
	err := Wrap(KindTimeout, errors.New("deadline"), "stage timed out")
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("outer: %w", err)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestIsSoft(t *testing.T) {
	assert.True(t, IsSoft(ErrNoHealthyWorker))
	assert.True(t, IsSoft(fmt.Errorf("repo x: %w", ErrConcurrencyCapReached)))
	assert.False(t, IsSoft(New(KindInternalError, "boom")))
	assert.False(t, IsSoft(nil))
}

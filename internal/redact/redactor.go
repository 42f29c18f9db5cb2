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

// Package redact masks known secret values in any text stream before it
// is persisted or shown to an operator.
package redact

import (
	"sort"
	"strings"
	"sync"
)

// Mask is the token substituted for every secret occurrence.
const Mask = "***"

// minSecretLength guards against registering trivially short values that
// would shred unrelated text.
const minSecretLength = 4

// KnownEnvNames enumerates environment variables that hold credentials.
var KnownEnvNames = []string{
	"HARNESS_API_KEY",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"ZAI_API_KEY",
	"GH_TOKEN",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"WEBHOOK_TOKEN",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
}

// sensitiveSuffixes match env-var names beyond the known list.
var sensitiveSuffixes = []string{"_TOKEN", "_SECRET", "_API_KEY", "_PASSWORD"}

// SensitiveEnvName reports whether an environment variable name is
// treated as credential-bearing.
func SensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, known := range KnownEnvNames {
		if upper == known {
			return true
		}
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Redactor replaces exact occurrences of registered secret values with
// the mask token. Replacement is case-sensitive and longest-first so a
// secret that is a substring of another never leaves a partial residue.
// Redact is idempotent: masking already-masked text changes nothing.
type Redactor struct {
	mu     sync.RWMutex
	values []string // sorted longest-first
}

// New creates a redactor seeded with the given secret values.
func New(values ...string) *Redactor {
	r := &Redactor{}
	r.Add(values...)
	return r
}

// FromEnviron creates a redactor seeded with the values of every
// sensitive variable in the given environment ("KEY=value" pairs).
func FromEnviron(environ []string) *Redactor {
	r := &Redactor{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if SensitiveEnvName(name) {
			r.Add(value)
		}
	}
	return r
}

// Add registers additional secret values. Empty and short values are
// ignored.
func (r *Redactor) Add(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range values {
		if len(v) < minSecretLength {
			continue
		}
		if r.contains(v) {
			continue
		}
		r.values = append(r.values, v)
	}

	sort.Slice(r.values, func(i, j int) bool {
		return len(r.values[i]) > len(r.values[j])
	})
}

// contains reports whether the value is already registered (must hold lock).
func (r *Redactor) contains(v string) bool {
	for _, existing := range r.values {
		if existing == v {
			return true
		}
	}
	return false
}

// Redact replaces every occurrence of each registered secret, plus the
// given extra values, with the mask token. The structure around each
// match is preserved.
func (r *Redactor) Redact(text string, extra ...string) string {
	if text == "" {
		return text
	}

	r.mu.RLock()
	values := make([]string, len(r.values))
	copy(values, r.values)
	r.mu.RUnlock()

	for _, v := range extra {
		if len(v) >= minSecretLength {
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool {
		return len(values[i]) > len(values[j])
	})

	for _, v := range values {
		text = strings.ReplaceAll(text, v, Mask)
	}
	return text
}

// Len returns the number of registered secret values.
func (r *Redactor) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

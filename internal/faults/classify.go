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

import "strings"

// classRule maps failure-text keywords to a Kind. Rules are evaluated in
// order; the first rule with a matching keyword wins.
type classRule struct {
	keywords []string
	kind     Kind
}

var classRules = []classRule{
	{[]string{"unauthorized", "invalid api key", "401"}, KindAuthenticationError},
	{[]string{"rate limit", "429", "too many requests", "overloaded"}, KindRateLimitExceeded},
	{[]string{"timeout", "deadline exceeded"}, KindTimeout},
	{[]string{"out of memory", "oom"}, KindResourceExhausted},
	{[]string{"invalid", "malformed", "400", "content policy"}, KindInvalidInput},
	{[]string{"not found", "404"}, KindNotFound},
	{[]string{"permission denied", "forbidden", "403", "approval denied"}, KindPermissionDenied},
	{[]string{"network", "connection", "dns", "socket", "unreachable"}, KindNetworkError},
	{[]string{"config", "missing", "not configured"}, KindConfigurationError},
}

// Classify maps a harness failure to a Kind by scanning the envelope error
// text for known keywords. Exit code 137 (SIGKILL, typically the OOM
// killer) classifies as ResourceExhausted regardless of text. An
// unmatched failure classifies as Unknown, which is retryable.
func Classify(errText string, exitCode int) Kind {
	if exitCode == 137 {
		return KindResourceExhausted
	}

	lower := strings.ToLower(errText)
	for _, rule := range classRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

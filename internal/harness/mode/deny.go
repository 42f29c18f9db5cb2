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

package mode

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DeniedError reports a tool call rejected by the permission policy.
type DeniedError struct {
	Tool    string
	Pattern string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool %q denied by policy (pattern %q)", e.Tool, e.Pattern)
}

// CheckTool checks a tool name against the policy's deny patterns.
// Patterns support globs ("edit", "bash.*"); matching is
// case-insensitive on the tool name.
func (p Policy) CheckTool(tool string) error {
	name := strings.ToLower(tool)
	for _, pattern := range p.DenyTools {
		if name == pattern {
			return &DeniedError{Tool: tool, Pattern: pattern}
		}
		matched, err := doublestar.Match(pattern, name)
		if err != nil {
			// Invalid pattern falls back to exact match, already checked.
			continue
		}
		if matched {
			return &DeniedError{Tool: tool, Pattern: pattern}
		}
	}
	return nil
}

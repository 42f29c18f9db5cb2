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

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field cron expression. Each field is a bit set
// over its legal range. All evaluation happens in UTC.
type CronExpr struct {
	minute     uint64
	hour       uint64
	dayOfMonth uint64
	month      uint64
	dayOfWeek  uint64

	// wildcardDOM/wildcardDOW record whether the day fields were "*".
	// When both are restricted, matching either is enough, following
	// vixie cron.
	wildcardDOM bool
	wildcardDOW bool
}

var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses a standard 5-field expression
// (minute hour day-of-month month day-of-week) or an @alias.
// Day-of-week accepts 0-7 with both 0 and 7 meaning Sunday.
func ParseCron(expr string) (*CronExpr, error) {
	if alias, ok := cronAliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{
		wildcardDOM: fields[2] == "*",
		wildcardDOW: fields[4] == "*",
	}

	var err error
	if c.minute, err = parseField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}
	if c.hour, err = parseField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}
	if c.dayOfMonth, err = parseField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}
	if c.month, err = parseField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}
	if c.dayOfWeek, err = parseField(fields[4], 0, 7); err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	// Fold 7 (Sunday) onto 0.
	if c.dayOfWeek&(1<<7) != 0 {
		c.dayOfWeek |= 1
		c.dayOfWeek &^= 1 << 7
	}
	return c, nil
}

// parseField builds the bit set for one field: comma-separated parts,
// each a value, a range, or either with a /step.
func parseField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bits, err := parseFieldPart(part, min, max)
		if err != nil {
			return 0, err
		}
		set |= bits
	}
	return set, nil
}

func parseFieldPart(part string, min, max int) (uint64, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		n, err := strconv.Atoi(part[idx+1:])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step: %s", part[idx+1:])
		}
		step = n
		part = part[:idx]
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		var err error
		if start, err = strconv.Atoi(part[:idx]); err != nil {
			return 0, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		if end, err = strconv.Atoi(part[idx+1:]); err != nil {
			return 0, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	default:
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid value: %s", part)
		}
		start, end = n, n
	}

	if start < min || end > max || start > end {
		return 0, fmt.Errorf("range %d-%d outside [%d-%d]", start, end, min, max)
	}

	var set uint64
	for i := start; i <= end; i += step {
		set |= 1 << uint(i)
	}
	return set, nil
}

func (c *CronExpr) has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

// matchesDay applies vixie day semantics: when both day fields are
// restricted, either matching suffices; otherwise both must match
// (a wildcard always matches).
func (c *CronExpr) matchesDay(t time.Time) bool {
	dom := c.has(c.dayOfMonth, t.Day())
	dow := c.has(c.dayOfWeek, int(t.Weekday()))
	if !c.wildcardDOM && !c.wildcardDOW {
		return dom || dow
	}
	return dom && dow
}

// Next returns the first matching instant strictly after from, in UTC.
// The zero time is returned when nothing matches within four years.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !c.has(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !c.matchesDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !c.has(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !c.has(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

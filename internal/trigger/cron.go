// Copyright 2026 The tasktime Authors
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

package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Year bounds for the cron year field and the evaluation search.
const (
	minYear = 1970
	maxYear = 2099
)

// searchHorizon bounds the forward search for a matching instant. A cron
// expression with an empty day intersection never matches; the horizon turns
// that into a "never fires" answer instead of an unbounded scan.
const searchHorizon = 5 * 366 * 24 * time.Hour

// CronTrigger fires at instants matching per-field constraints, evaluated in
// the trigger's timezone. Day and day-of-week are intersected when both are
// restricted. Instants skipped by a DST transition do not fire; instants that
// occur twice fire on the first occurrence.
type CronTrigger struct {
	year      []int // 1970-2099
	month     []int // 1-12
	day       []int // 1-31
	week      []int // 1-53 (ISO week number)
	dayOfWeek []int // 0-6 (0 = Sunday)
	hour      []int // 0-23
	minute    []int // 0-59
	second    []int // 0-59

	loc  *time.Location
	spec Spec
}

func newCron(s Spec, loc *time.Location) (*CronTrigger, error) {
	c := &CronTrigger{loc: loc, spec: s}

	fields := []struct {
		name string
		expr string
		def  string
		min  int
		max  int
		dst  *[]int
	}{
		{"year", s.Year, "*", minYear, maxYear, &c.year},
		{"month", s.Month, "*", 1, 12, &c.month},
		{"day", s.Day, "*", 1, 31, &c.day},
		{"week", s.Week, "*", 1, 53, &c.week},
		{"day_of_week", s.DayOfWeek, "*", 0, 6, &c.dayOfWeek},
		{"hour", s.Hour, "*", 0, 23, &c.hour},
		{"minute", s.Minute, "*", 0, 59, &c.minute},
		// Unset second means fire-on-the-minute, not every second.
		{"second", s.Second, "0", 0, 59, &c.second},
	}

	for _, f := range fields {
		expr := f.expr
		if expr == "" {
			expr = f.def
		}
		values, err := parseField(expr, f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", f.name, err)
		}
		*f.dst = values
	}

	return c, nil
}

// ParseCronLine parses the five-field form `minute hour day month day_of_week`
// used by workflow schedules into a cron trigger evaluated in UTC.
func ParseCronLine(line string) (*CronTrigger, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	spec := Spec{
		Type:      KindCron,
		Minute:    fields[0],
		Hour:      fields[1],
		Day:       fields[2],
		Month:     fields[3],
		DayOfWeek: fields[4],
	}
	return newCron(spec, time.UTC)
}

// Kind returns "cron".
func (c *CronTrigger) Kind() string { return KindCron }

// Spec returns the serializable representation.
func (c *CronTrigger) Spec() Spec { return c.spec }

// NextFireTime returns the smallest instant strictly greater than the given
// instant satisfying all field constraints, or false if no instant within the
// search horizon matches.
func (c *CronTrigger) NextFireTime(after time.Time) (time.Time, bool) {
	t := after.In(c.loc).Truncate(time.Second).Add(time.Second)
	limit := after.Add(searchHorizon)

	for t.Before(limit) {
		if t.Year() > maxYear {
			return time.Time{}, false
		}
		if !contains(c.year, t.Year()) {
			t = time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, c.loc)
			continue
		}
		if !contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, c.loc)
			continue
		}

		// Day-level constraints are intersected: day of month, ISO week and
		// day of week must all match.
		_, isoWeek := t.ISOWeek()
		if !contains(c.day, t.Day()) || !contains(c.week, isoWeek) || !contains(c.dayOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, c.loc)
			continue
		}

		if !contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, c.loc)
			continue
		}
		if !contains(c.minute, t.Minute()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, c.loc)
			continue
		}
		if !contains(c.second, t.Second()) {
			t = t.Add(time.Second)
			continue
		}

		return t, true
	}

	return time.Time{}, false
}

// parseField parses a single cron field into a sorted list of allowed values.
func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}

	return unique(result), nil
}

// parseFieldPart parses a single part of a cron field (handles ranges and steps).
func parseFieldPart(part string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int

	if part == "*" {
		start = min
		end = max
	} else if idx := strings.Index(part, "-"); idx != -1 {
		var err error
		start, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	} else {
		var err error
		start, err = strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
	}

	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}

	return result, nil
}

// contains checks if a slice contains a value.
func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// unique removes duplicates from a slice.
func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

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

// Package trigger computes fire instants for scheduled entries.
//
// Three variants exist: cron (field-constrained), interval (fixed period from
// an anchor), and date (one-shot). Variants serialize through a tagged Spec so
// the store can persist and rebuild them verbatim.
package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger kinds.
const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindDate     = "date"
)

// Trigger is a rule that computes fire instants.
type Trigger interface {
	// Kind returns the trigger variant name.
	Kind() string

	// NextFireTime returns the earliest fire instant strictly after the given
	// instant, or false if the trigger will never fire again.
	NextFireTime(after time.Time) (time.Time, bool)

	// Spec returns the serializable representation of the trigger.
	Spec() Spec
}

// Spec is the tagged, serializable form of a trigger. Type discriminates the
// variant; unknown types are rejected at build time.
type Spec struct {
	Type     string `json:"type" yaml:"type"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	// Cron fields. Empty means unset; unset fields default to "*" except
	// Second, which defaults to "0".
	Year      string `json:"year,omitempty" yaml:"year,omitempty"`
	Month     string `json:"month,omitempty" yaml:"month,omitempty"`
	Day       string `json:"day,omitempty" yaml:"day,omitempty"`
	Week      string `json:"week,omitempty" yaml:"week,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty" yaml:"day_of_week,omitempty"`
	Hour      string `json:"hour,omitempty" yaml:"hour,omitempty"`
	Minute    string `json:"minute,omitempty" yaml:"minute,omitempty"`
	Second    string `json:"second,omitempty" yaml:"second,omitempty"`

	// Interval fields.
	Weeks   int `json:"weeks,omitempty" yaml:"weeks,omitempty"`
	Days    int `json:"days,omitempty" yaml:"days,omitempty"`
	Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
	Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`

	// StartAt anchors an interval trigger. Set to the creation time when the
	// trigger is first built; preserved across restarts.
	StartAt *time.Time `json:"start_at,omitempty" yaml:"start_at,omitempty"`

	// RunAt is the fire instant of a date trigger.
	RunAt *time.Time `json:"run_at,omitempty" yaml:"run_at,omitempty"`
}

// Build constructs a Trigger from the spec. Unknown types and invalid field
// values are rejected.
func (s Spec) Build() (Trigger, error) {
	loc := time.UTC
	if s.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}

	switch s.Type {
	case KindCron:
		return newCron(s, loc)
	case KindInterval:
		return newInterval(s)
	case KindDate:
		if s.RunAt == nil {
			return nil, fmt.Errorf("date trigger requires run_at")
		}
		return &DateTrigger{runAt: *s.RunAt, timezone: s.Timezone}, nil
	case "":
		return nil, fmt.Errorf("trigger type is required")
	default:
		return nil, fmt.Errorf("unknown trigger type: %q", s.Type)
	}
}

// Marshal serializes a trigger to its tagged JSON form.
func Marshal(t Trigger) ([]byte, error) {
	return json.Marshal(t.Spec())
}

// Unmarshal rebuilds a trigger from its tagged JSON form.
func Unmarshal(data []byte) (Trigger, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode trigger: %w", err)
	}
	return spec.Build()
}

// IntervalTrigger fires every fixed period from an anchor instant.
type IntervalTrigger struct {
	period  time.Duration
	startAt time.Time
	spec    Spec
}

func newInterval(s Spec) (*IntervalTrigger, error) {
	period := time.Duration(s.Weeks)*7*24*time.Hour +
		time.Duration(s.Days)*24*time.Hour +
		time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Seconds)*time.Second
	if period <= 0 {
		return nil, fmt.Errorf("interval trigger period must be positive")
	}

	start := time.Now()
	if s.StartAt != nil {
		start = *s.StartAt
	} else {
		s.StartAt = &start
	}

	return &IntervalTrigger{period: period, startAt: start, spec: s}, nil
}

// Kind returns "interval".
func (t *IntervalTrigger) Kind() string { return KindInterval }

// Period returns the trigger's period.
func (t *IntervalTrigger) Period() time.Duration { return t.period }

// NextFireTime returns the first anchor-aligned instant strictly after the
// given instant.
func (t *IntervalTrigger) NextFireTime(after time.Time) (time.Time, bool) {
	if after.Before(t.startAt) {
		return t.startAt.Add(t.period), true
	}
	elapsed := after.Sub(t.startAt)
	n := elapsed / t.period
	return t.startAt.Add((n + 1) * t.period), true
}

// Spec returns the serializable representation.
func (t *IntervalTrigger) Spec() Spec { return t.spec }

// DateTrigger fires exactly once at a fixed instant.
type DateTrigger struct {
	runAt    time.Time
	timezone string
}

// NewDate returns a one-shot trigger firing at the given instant.
func NewDate(runAt time.Time) *DateTrigger {
	return &DateTrigger{runAt: runAt}
}

// Kind returns "date".
func (t *DateTrigger) Kind() string { return KindDate }

// NextFireTime returns the run instant if it is still in the future.
func (t *DateTrigger) NextFireTime(after time.Time) (time.Time, bool) {
	if t.runAt.After(after) {
		return t.runAt, true
	}
	return time.Time{}, false
}

// Spec returns the serializable representation.
func (t *DateTrigger) Spec() Spec {
	runAt := t.runAt
	return Spec{Type: KindDate, Timezone: t.timezone, RunAt: &runAt}
}

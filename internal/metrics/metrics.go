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

// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts finished task executions by terminal status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasktime",
		Name:      "executions_total",
		Help:      "Finished task executions by terminal status.",
	}, []string{"status"})

	// MisfiresTotal counts dispatches skipped because they were too late.
	MisfiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktime",
		Name:      "misfires_total",
		Help:      "Dispatches skipped because they exceeded the misfire grace.",
	})

	// SkippedMaxInstancesTotal counts dispatches skipped at the concurrency cap.
	SkippedMaxInstancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktime",
		Name:      "skipped_max_instances_total",
		Help:      "Dispatches skipped because max_instances was reached.",
	})

	// RetriesTotal counts retry entries installed after failures.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasktime",
		Name:      "retries_total",
		Help:      "Retry attempts scheduled after failed executions.",
	})

	// ScheduledEntries tracks the number of installed schedule entries.
	ScheduledEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasktime",
		Name:      "scheduled_entries",
		Help:      "Schedule entries currently installed in the engine.",
	})

	// RunningTasks tracks tasks currently executing.
	RunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasktime",
		Name:      "running_tasks",
		Help:      "Tasks currently executing.",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

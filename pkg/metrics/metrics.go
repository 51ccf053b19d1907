// Copyright 2025 Kadir Pekel
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

// Package metrics exposes Prometheus counters and gauges for the engine's
// own operational health: mission/task throughput, pivot counts, and the
// number of active executions. The instruments are transport-agnostic; the serving
// layer that scrapes them lives outside this module.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the engine's metrics so callers can register them once
// against a prometheus.Registerer of their choosing (or the default one).
type Registry struct {
	TasksSubmitted          prometheus.Counter
	TasksCompleted          *prometheus.CounterVec // labeled by terminal status
	MissionsStarted         prometheus.Counter
	MissionsFinished        *prometheus.CounterVec // labeled by terminal status
	GoalPivots              prometheus.Counter
	GoalAbandons            prometheus.Counter
	StepRetries             prometheus.Counter
	ActiveExecutions        prometheus.Gauge
	BridgeInvocationSeconds prometheus.Histogram
}

// NewRegistry constructs the metric instruments without registering them.
func NewRegistry() *Registry {
	return &Registry{
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missionengine_tasks_submitted_total",
			Help: "Total tasks submitted to the engine.",
		}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionengine_tasks_completed_total",
			Help: "Total tasks reaching a terminal state, by status.",
		}, []string{"status"}),
		MissionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missionengine_missions_started_total",
			Help: "Total missions transitioned to running.",
		}),
		MissionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missionengine_missions_finished_total",
			Help: "Total missions reaching a terminal state, by status.",
		}, []string{"status"}),
		GoalPivots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missionengine_goal_pivots_total",
			Help: "Total pivot_goal_atomic calls across all missions.",
		}),
		GoalAbandons: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missionengine_goal_abandons_total",
			Help: "Total abandon_goal_atomic calls across all missions.",
		}),
		StepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missionengine_step_retries_total",
			Help: "Total sequential-mode step retry attempts.",
		}),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "missionengine_active_executions",
			Help: "Currently registered Event Bus executions.",
		}),
		BridgeInvocationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "missionengine_bridge_invocation_seconds",
			Help:    "Duration of a single Execution Bridge invocation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// MustRegister registers every instrument against reg.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.TasksSubmitted,
		r.TasksCompleted,
		r.MissionsStarted,
		r.MissionsFinished,
		r.GoalPivots,
		r.GoalAbandons,
		r.StepRetries,
		r.ActiveExecutions,
		r.BridgeInvocationSeconds,
	)
}
